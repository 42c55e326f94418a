//go:build linux

package monitor

import (
	"time"

	"github.com/prometheus/procfs"
)

type procSampler struct {
	proc procfs.Proc
}

func newSampler(pid int) (sampler, error) {
	proc, err := procfs.NewProc(pid)
	if err != nil {
		return nil, err
	}
	return &procSampler{proc: proc}, nil
}

func (s *procSampler) sample() (Sample, error) {
	stat, err := s.proc.Stat()
	if err != nil {
		return Sample{}, err
	}
	// a zombie has no memory left to report
	if stat.State == "Z" || stat.State == "X" {
		return Sample{}, errProcessExited
	}
	return Sample{
		Time:       time.Now(),
		CPUSeconds: stat.CPUTime(),
		RSSKB:      int64(stat.ResidentMemory() / 1024),
		VSZKB:      int64(stat.VirtualMemory() / 1024),
		Threads:    stat.NumThreads,
	}, nil
}
