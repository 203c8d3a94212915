package weightcache

import (
	"os"
	"syscall"

	"github.com/databloom/snapllm/snaperr"
)

// mmapping holds an open mmap'd region plus the file descriptor state
// needed to tear it down. Grounded on the mmap pattern used in
// other_examples' slotcache package (syscall.Mmap/syscall.Munmap
// directly — no third-party mmap library appears anywhere in the
// example pack, so stdlib syscall is the grounded choice here).
type mmapping struct {
	file *os.File
	data []byte
}

func mmapReadOnly(path string) (*mmapping, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, snaperr.New("weightcache.mmap", snaperr.KindNotFound, path, err)
		}
		return nil, snaperr.New("weightcache.mmap", snaperr.KindIoError, path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, snaperr.New("weightcache.mmap", snaperr.KindIoError, path, err)
	}
	size := info.Size()
	if size == 0 {
		f.Close()
		return nil, snaperr.New("weightcache.mmap", snaperr.KindMalformed, path, nil)
	}
	data, err := syscall.Mmap(int(f.Fd()), 0, int(size), syscall.PROT_READ, syscall.MAP_PRIVATE)
	if err != nil {
		f.Close()
		return nil, snaperr.New("weightcache.mmap", snaperr.KindIoError, path, err)
	}
	return &mmapping{file: f, data: data}, nil
}

func (m *mmapping) close() error {
	err := syscall.Munmap(m.data)
	closeErr := m.file.Close()
	if err != nil {
		return err
	}
	return closeErr
}

// prefaultPages touches the first byte of every 4KiB page in region,
// forcing the kernel to page it in now rather than on first real
// access (spec.md §4.2: "an optional prefault pass touches the first
// page of each tensor").
func prefaultPages(region []byte) {
	const pageSize = 4096
	var sink byte
	for i := 0; i < len(region); i += pageSize {
		sink += region[i]
	}
	_ = sink
}
