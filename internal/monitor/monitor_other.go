//go:build !linux

package monitor

func newSampler(pid int) (sampler, error) {
	return nil, ErrUnsupported
}
