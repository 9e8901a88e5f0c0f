package orderbook

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
)

// Record is one decoded journal entry.
type Record struct {
	Seq     uint32
	UserID  uint16
	OrderID uint32
	Payload []byte
}

// Journal is the append-only binary order/algo journal. Each record is
// [seq:u32][body_len:u32][user_id:u16][order_id:u32][payload...'\0''\n'];
// seq is monotone across both the order and algo streams sharing one
// Journal instance's counter. The file is opened for append and
// fsynced per record when SyncOnEach is set — crash-safety over raw
// throughput.
type Journal struct {
	mu        sync.Mutex
	f         *os.File
	w         *bufio.Writer
	seq       uint32
	sync      bool
	sessionID string
}

// Open opens (creating if absent) the journal file at path, scans it
// forward to recover the seq high-water mark, and returns a Journal
// ready to Append. A non-whole trailing record is fatal — the operator
// must remediate manually; nothing here truncates silently.
func Open(path string, syncOnEach bool) (*Journal, uint32, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, 0, fmt.Errorf("orderbook: open journal: %w", err)
	}
	maxSeq, err := scanSeq(f)
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("orderbook: journal corrupt, manual remediation required: %w", err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("orderbook: seek journal end: %w", err)
	}
	j := &Journal{f: f, w: bufio.NewWriter(f), seq: maxSeq, sync: syncOnEach, sessionID: uuid.NewString()}
	return j, maxSeq, nil
}

// SessionID identifies this journal session — one id per Open, so log
// lines from successive runs appending to the same file can be told
// apart when debugging a replay.
func (j *Journal) SessionID() string { return j.sessionID }

// scanSeq reads every record forward from the start of the file and
// returns the highest seq seen. A partial trailing record is an error.
func scanSeq(f *os.File) (uint32, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	r := bufio.NewReader(f)
	var maxSeq uint32
	for {
		rec, err := readRecord(r)
		if err == io.EOF {
			break
		}
		if err == errPartialRecord {
			return 0, fmt.Errorf("non-whole trailing record")
		}
		if err != nil {
			return 0, err
		}
		if rec.Seq > maxSeq {
			maxSeq = rec.Seq
		}
	}
	return maxSeq, nil
}

var errPartialRecord = fmt.Errorf("partial record")

func readRecord(r *bufio.Reader) (Record, error) {
	var header [10]byte
	n, err := io.ReadFull(r, header[:])
	if err == io.EOF && n == 0 {
		return Record{}, io.EOF
	}
	if err != nil {
		return Record{}, errPartialRecord
	}
	seq := binary.BigEndian.Uint32(header[0:4])
	bodyLen := binary.BigEndian.Uint32(header[4:8])
	userID := binary.BigEndian.Uint16(header[8:10])
	var orderIDBuf [4]byte
	if _, err := io.ReadFull(r, orderIDBuf[:]); err != nil {
		return Record{}, errPartialRecord
	}
	orderID := binary.BigEndian.Uint32(orderIDBuf[:])
	payload := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Record{}, errPartialRecord
	}
	var term [2]byte
	if _, err := io.ReadFull(r, term[:]); err != nil {
		return Record{}, errPartialRecord
	}
	if term[0] != 0 || term[1] != '\n' {
		return Record{}, errPartialRecord
	}
	return Record{Seq: seq, UserID: userID, OrderID: orderID, Payload: payload}, nil
}

// Append writes one record and returns its assigned sequence number.
func (j *Journal) Append(userID uint16, orderID uint32, payload []byte) (uint32, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.seq++
	seq := j.seq
	var header [14]byte
	binary.BigEndian.PutUint32(header[0:4], seq)
	binary.BigEndian.PutUint32(header[4:8], uint32(len(payload)))
	binary.BigEndian.PutUint16(header[8:10], userID)
	binary.BigEndian.PutUint32(header[10:14], orderID)
	if _, err := j.w.Write(header[:]); err != nil {
		return 0, fmt.Errorf("orderbook: journal write header: %w", err)
	}
	if _, err := j.w.Write(payload); err != nil {
		return 0, fmt.Errorf("orderbook: journal write payload: %w", err)
	}
	if _, err := j.w.Write([]byte{0, '\n'}); err != nil {
		return 0, fmt.Errorf("orderbook: journal write terminator: %w", err)
	}
	if err := j.w.Flush(); err != nil {
		return 0, fmt.Errorf("orderbook: journal flush: %w", err)
	}
	if j.sync {
		if err := j.f.Sync(); err != nil {
			return 0, fmt.Errorf("orderbook: journal sync: %w", err)
		}
	}
	return seq, nil
}

// Replay yields every record with seq >= fromSeq in file order. It
// never mutates the journal or any live state — callers translate
// records back into domain events themselves.
func (j *Journal) Replay(fromSeq uint32, yield func(Record) error) error {
	f, err := os.Open(j.f.Name())
	if err != nil {
		return fmt.Errorf("orderbook: replay open: %w", err)
	}
	defer f.Close()
	r := bufio.NewReader(f)
	for {
		rec, err := readRecord(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("orderbook: replay: %w", err)
		}
		if rec.Seq < fromSeq {
			continue
		}
		if err := yield(rec); err != nil {
			return err
		}
	}
}

// Close flushes and closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.w.Flush(); err != nil {
		return err
	}
	return j.f.Close()
}
