// Package filelog is a crash-recoverable outbox queue backed by a single
// file: length-prefixed records after a small cursor header. Writes are
// durably appended before their side effect (the publish) is attempted; a
// background drain loop hands batches to a subscriber function and only
// advances the read cursor once that call returns nil, so a crash between
// append and publish replays on restart. Delivery is at-least-once.
package filelog

import (
	"encoding/binary"
	"errors"
	"log"
	"os"
	"sync"
	"time"
)

// header: [0:8] read offset, [8:16] write offset, little-endian.
const headerSize = 16

// drainBatch caps how many records one subscriber call receives.
const drainBatch = 64

// pollInterval paces the drain loop when the log is empty.
const pollInterval = 300 * time.Millisecond

var (
	errRecordTooLarge = errors.New("filelog: record exceeds 64KiB")
	errCorruptRecord  = errors.New("filelog: corrupt record length")
)

// maxRecordSize bounds one record; outbox records are small JSON envelopes
// and anything larger indicates a bug upstream.
const maxRecordSize = 64 * 1024

// Config configures a FileLog.
type Config struct {
	File    string
	SubFunc func(records [][]byte) error
}

// FileLog is the append-only record queue. Write blocks until the record
// is staged in the file; the drain loop delivers it to Config.SubFunc.
type FileLog struct {
	mu       sync.Mutex
	file     *os.File
	readOff  int64
	writeOff int64

	sub  func(records [][]byte) error
	quit chan struct{}
	done chan struct{}
}

// NewFileLog opens (or creates) the log file and starts its drain loop.
// Cursors persisted by an earlier run are picked up, replaying anything
// that was staged but never delivered.
func NewFileLog(config *Config) (*FileLog, error) {
	// Not O_APPEND: offsets are managed explicitly through the header and
	// O_APPEND ignores WriteAt offsets on some platforms.
	f, err := os.OpenFile(config.File, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	fl := &FileLog{
		file: f,
		sub:  config.SubFunc,
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	fl.readOff, fl.writeOff = fl.loadCursors()
	// Persist both cursors up front so a fresh file's header is valid before
	// the first delivery ever advances the read cursor.
	if err := fl.storeCursor(0, fl.readOff); err != nil {
		f.Close()
		return nil, err
	}
	if err := fl.storeCursor(8, fl.writeOff); err != nil {
		f.Close()
		return nil, err
	}
	go fl.drainLoop()
	return fl, nil
}

func (fl *FileLog) loadCursors() (readOff, writeOff int64) {
	buf := make([]byte, headerSize)
	if n, err := fl.file.ReadAt(buf, 0); err != nil || n != headerSize {
		return headerSize, headerSize
	}
	readOff = int64(binary.LittleEndian.Uint64(buf[0:8]))
	writeOff = int64(binary.LittleEndian.Uint64(buf[8:16]))
	if readOff < headerSize || writeOff < readOff {
		return headerSize, headerSize
	}
	return readOff, writeOff
}

func (fl *FileLog) storeCursor(headerOff int64, value int64) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(value))
	_, err := fl.file.WriteAt(buf, headerOff)
	return err
}

// Write appends one record and returns once it is durably staged. The
// record only becomes visible to the drain loop after the write cursor
// advances, so a torn append is ignored on restart rather than replayed
// half-written.
func (fl *FileLog) Write(record []byte) error {
	if len(record) > maxRecordSize {
		return errRecordTooLarge
	}

	fl.mu.Lock()
	defer fl.mu.Unlock()

	buf := make([]byte, 4+len(record))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(record)))
	copy(buf[4:], record)

	if _, err := fl.file.WriteAt(buf, fl.writeOff); err != nil {
		return err
	}
	fl.writeOff += int64(len(buf))
	return fl.storeCursor(8, fl.writeOff)
}

// readBatch reads up to drainBatch records at the read cursor, returning
// them with the cursor position just past the last one. Empty when the
// log is drained.
func (fl *FileLog) readBatch() (records [][]byte, next int64, err error) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	next = fl.readOff
	for len(records) < drainBatch && next < fl.writeOff {
		lenBuf := make([]byte, 4)
		if _, err := fl.file.ReadAt(lenBuf, next); err != nil {
			return nil, 0, err
		}
		recLen := int64(binary.LittleEndian.Uint32(lenBuf))
		if recLen == 0 || recLen > maxRecordSize || next+4+recLen > fl.writeOff {
			return nil, 0, errCorruptRecord
		}
		rec := make([]byte, recLen)
		if _, err := fl.file.ReadAt(rec, next+4); err != nil {
			return nil, 0, err
		}
		records = append(records, rec)
		next += 4 + recLen
	}
	return records, next, nil
}

// advance moves the read cursor past delivered records, truncating the
// file back to the bare header once everything staged has been delivered.
func (fl *FileLog) advance(to int64) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	fl.readOff = to
	if fl.readOff == fl.writeOff {
		fl.readOff = headerSize
		fl.writeOff = headerSize
		fl.file.Truncate(headerSize)
		fl.storeCursor(8, fl.writeOff)
	}
	fl.storeCursor(0, fl.readOff)
}

func (fl *FileLog) drainLoop() {
	defer close(fl.done)
	defer fl.file.Close()

	for {
		select {
		case <-fl.quit:
			return
		case <-time.After(pollInterval):
		}

		records, next, err := fl.readBatch()
		if err != nil {
			// A corrupt tail cannot be read past; drop the backlog rather
			// than wedge the queue. Duplicate publishes are tolerated,
			// lost ones are logged loudly.
			log.Println("filelog: dropping unreadable backlog:", err)
			fl.mu.Lock()
			fl.advanceLockedToWrite()
			fl.mu.Unlock()
			continue
		}
		if len(records) == 0 {
			continue
		}

		if err := fl.sub(records); err != nil {
			log.Println("filelog: subscriber:", err)
			time.Sleep(time.Second)
			continue
		}
		fl.advance(next)
	}
}

// advanceLockedToWrite resets the read cursor to the write cursor; caller
// holds mu.
func (fl *FileLog) advanceLockedToWrite() {
	fl.readOff = headerSize
	fl.writeOff = headerSize
	fl.file.Truncate(headerSize)
	fl.storeCursor(8, fl.writeOff)
	fl.storeCursor(0, fl.readOff)
}

// Close stops the drain loop and closes the file. Undelivered records stay
// staged and replay on the next open.
func (fl *FileLog) Close() {
	close(fl.quit)
	<-fl.done
}
