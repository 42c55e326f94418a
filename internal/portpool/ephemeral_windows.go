//go:build windows

package portpool

import (
	"errors"

	"golang.org/x/sys/windows/registry"
)

const tcpipParameters = `SYSTEM\CurrentControlSet\Services\Tcpip\Parameters`

// ephemeralRange honours a MaxUserPort override, which moves the dynamic
// range to 1025..MaxUserPort. Without one Windows uses the IANA range.
func ephemeralRange() (int, int, error) {
	key, err := registry.OpenKey(registry.LOCAL_MACHINE, tcpipParameters, registry.QUERY_VALUE)
	if err != nil {
		return DefaultEphemeralLow, DefaultEphemeralHigh, nil
	}
	defer key.Close()

	maxUserPort, _, err := key.GetIntegerValue("MaxUserPort")
	if errors.Is(err, registry.ErrNotExist) {
		return DefaultEphemeralLow, DefaultEphemeralHigh, nil
	}
	if err != nil {
		return 0, 0, err
	}
	return 1025, int(maxUserPort), nil
}
