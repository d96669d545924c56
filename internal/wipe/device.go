package wipe

import (
	"io"
	"os"
)

// seekSize размер по смещению конца; позиция дескриптора не используется,
// запись и чтение идут через WriteAt/ReadAt
func seekSize(f *os.File) (uint64, error) {
	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, wrapf(err, ErrIO, "seek %s", f.Name())
	}
	if end < 0 {
		return 0, markf(ErrIO, "negative size reported for %s", f.Name())
	}
	return uint64(end), nil
}
