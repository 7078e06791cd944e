package store

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/irontide/sparkbridge/internal/ports"
)

// Append-only record log backing the durable queue. Each record is
// [8 bytes id][1 byte op][4 bytes len][len bytes body]; op distinguishes an
// admitted entry from a tombstone written on ack or eviction. A torn tail
// left by a crash is truncated on open; everything before it replays.

const (
	recordHeaderLen = 13

	opAdd    byte = 0
	opDelete byte = 1
)

type walRecord struct {
	id   ports.EntryID
	op   byte
	body []byte
}

type recordLog struct {
	path      string
	file      *os.File
	writer    *bufio.Writer
	fsync     bool
	sizeBytes int64
	lastID    ports.EntryID
}

func openRecordLog(dir string, fsync bool) (*recordLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "queue.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	l := &recordLog{
		path:   path,
		file:   f,
		writer: bufio.NewWriterSize(f, 1<<20),
		fsync:  fsync,
	}
	if err := l.truncateTornTail(); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

// truncateTornTail scans for a partial record at the end of the log and cuts
// it off, so replay never sees a half-written entry.
func (l *recordLog) truncateTornTail() error {
	stat, err := os.Stat(l.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err != nil || stat.Size() == 0 {
		return nil
	}

	rf, err := os.Open(l.path)
	if err != nil {
		return err
	}
	defer rf.Close()

	reader := bufio.NewReader(rf)
	var offset int64
	for {
		var hdr [recordHeaderLen]byte
		if _, err := io.ReadFull(reader, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return fmt.Errorf("queue log scan header: %w", err)
		}
		length := binary.BigEndian.Uint32(hdr[9:13])
		if length > 0 {
			if _, err := io.CopyN(io.Discard, reader, int64(length)); err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					break
				}
				return fmt.Errorf("queue log scan body: %w", err)
			}
		}
		offset += recordHeaderLen + int64(length)
		l.lastID = max(l.lastID, ports.EntryID(binary.BigEndian.Uint64(hdr[0:8])))
	}

	if err := l.file.Truncate(offset); err != nil {
		return err
	}
	l.sizeBytes = offset
	return nil
}

// replay streams every intact record to fn in log order.
func (l *recordLog) replay(fn func(rec walRecord) error) error {
	if err := l.writer.Flush(); err != nil {
		return err
	}
	f, err := os.Open(l.path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		var hdr [recordHeaderLen]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("queue log replay header: %w", err)
		}
		rec := walRecord{
			id: ports.EntryID(binary.BigEndian.Uint64(hdr[0:8])),
			op: hdr[8],
		}
		length := binary.BigEndian.Uint32(hdr[9:13])
		if length > 0 {
			rec.body = make([]byte, length)
			if _, err := io.ReadFull(r, rec.body); err != nil {
				return fmt.Errorf("corrupt queue log record %d: %w", rec.id, err)
			}
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// append writes one record. With fsync enabled the record has reached stable
// storage when append returns, which is what makes Enqueue durable.
func (l *recordLog) append(rec walRecord) error {
	var hdr [recordHeaderLen]byte
	binary.BigEndian.PutUint64(hdr[0:8], uint64(rec.id))
	hdr[8] = rec.op
	binary.BigEndian.PutUint32(hdr[9:13], uint32(len(rec.body)))

	if _, err := l.writer.Write(hdr[:]); err != nil {
		return err
	}
	if len(rec.body) > 0 {
		if _, err := l.writer.Write(rec.body); err != nil {
			return err
		}
	}
	if err := l.writer.Flush(); err != nil {
		return err
	}
	if l.fsync {
		if err := l.file.Sync(); err != nil {
			return err
		}
	}
	l.sizeBytes += recordHeaderLen + int64(len(rec.body))
	if rec.id > l.lastID {
		l.lastID = rec.id
	}
	return nil
}

// rewrite replaces the log with only the given live records, dropping the
// tombstone history accumulated since the last compaction.
func (l *recordLog) rewrite(live []walRecord) error {
	tmpPath := l.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	w := bufio.NewWriterSize(tmp, 1<<20)

	var size int64
	for _, rec := range live {
		var hdr [recordHeaderLen]byte
		binary.BigEndian.PutUint64(hdr[0:8], uint64(rec.id))
		hdr[8] = opAdd
		binary.BigEndian.PutUint32(hdr[9:13], uint32(len(rec.body)))
		if _, err := w.Write(hdr[:]); err != nil {
			tmp.Close()
			return err
		}
		if _, err := w.Write(rec.body); err != nil {
			tmp.Close()
			return err
		}
		size += recordHeaderLen + int64(len(rec.body))
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := l.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	l.file = f
	l.writer = bufio.NewWriterSize(f, 1<<20)
	l.sizeBytes = size
	return nil
}

func (l *recordLog) close() error {
	if err := l.writer.Flush(); err != nil {
		l.file.Close()
		return err
	}
	if l.fsync {
		if err := l.file.Sync(); err != nil {
			l.file.Close()
			return err
		}
	}
	return l.file.Close()
}
