package history

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in the chat transcript.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	Streaming bool      `json:"streaming"`
}

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zstdDecoder, _ = zstd.NewReader(nil)
)

const maxRecordSize = 16 * 1024 * 1024

// Log is an append-only chat transcript. With a backing path every
// message is persisted as a length-delimited zstd-compressed JSON
// record; with an empty path the log lives in memory only.
type Log struct {
	mu   sync.Mutex
	path string
	msgs []Message

	file     *os.File
	bw       *bufio.Writer
	lastSync time.Time
}

// Open loads the transcript at path, discarding a torn tail record
// left by a crash. An empty path yields a memory-only log.
func Open(path string) (*Log, error) {
	l := &Log{path: path}
	if path == "" {
		return l, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	msgs, good, err := loadRecords(path)
	if err != nil {
		return nil, err
	}
	l.msgs = msgs
	if err := os.Truncate(path, good); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	l.file = f
	l.bw = bufio.NewWriterSize(f, 64*1024)
	l.lastSync = time.Now()
	return l, nil
}

// Path returns the backing file path, empty for memory-only logs.
func (l *Log) Path() string {
	return l.path
}

// Append stores msg, stamping a fresh id and createdAt when absent.
// Timestamps never move backwards relative to the previous entry. The
// message is kept in memory even when persisting it fails, so a full
// disk does not lose the running conversation.
func (l *Log) Append(msg Message) (Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if n := len(l.msgs); n > 0 {
		if last := l.msgs[n-1].CreatedAt; msg.CreatedAt.Before(last) {
			msg.CreatedAt = last
		}
	}
	l.msgs = append(l.msgs, msg)
	if l.file == nil {
		return msg, nil
	}
	if err := l.writeLocked(msg); err != nil {
		return msg, fmt.Errorf("persist chat message: %w", err)
	}
	return msg, nil
}

// Messages returns a copy of the transcript in append order.
func (l *Log) Messages() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Message, len(l.msgs))
	copy(out, l.msgs)
	return out
}

// Len reports the number of stored messages.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.msgs)
}

// Clear discards the transcript and truncates the backing file.
func (l *Log) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = nil
	if l.file == nil {
		return nil
	}
	l.bw.Reset(l.file)
	if err := l.file.Truncate(0); err != nil {
		return err
	}
	return l.file.Sync()
}

// Close flushes and closes the backing file. The in-memory transcript
// stays readable.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.bw.Flush()
	if serr := l.file.Sync(); err == nil {
		err = serr
	}
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}

func (l *Log) writeLocked(msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	frame := zstdEncoder.EncodeAll(raw, nil)
	var hdr [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(hdr[:], uint64(len(frame)))
	if _, err := l.bw.Write(hdr[:n]); err != nil {
		return err
	}
	if _, err := l.bw.Write(frame); err != nil {
		return err
	}
	if err := l.bw.Flush(); err != nil {
		return err
	}
	if time.Since(l.lastSync) > 200*time.Millisecond {
		if err := l.file.Sync(); err != nil {
			return err
		}
		l.lastSync = time.Now()
	}
	return nil
}

// loadRecords reads every intact record and reports the byte offset of
// the last good one, so a corrupt tail can be cut off.
func loadRecords(path string) ([]Message, int64, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var (
		msgs []Message
		good int64
	)
	r := bufio.NewReader(f)
	for {
		frame, n, err := readDelimited(r)
		if err == io.EOF {
			return msgs, good, nil
		}
		if err != nil {
			return msgs, good, nil
		}
		raw, err := zstdDecoder.DecodeAll(frame, nil)
		if err != nil {
			return msgs, good, nil
		}
		var m Message
		if err := json.Unmarshal(raw, &m); err != nil {
			return msgs, good, nil
		}
		msgs = append(msgs, m)
		good += int64(n)
	}
}

// readDelimited returns one record and the total bytes it occupied,
// header included.
func readDelimited(r *bufio.Reader) ([]byte, int, error) {
	l, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, 0, err
	}
	if l == 0 || l > maxRecordSize {
		return nil, 0, fmt.Errorf("invalid record length %d", l)
	}
	buf := make([]byte, l)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, 0, err
	}
	return buf, uvarintLen(l) + int(l), nil
}

func uvarintLen(x uint64) int {
	var tmp [binary.MaxVarintLen64]byte
	return binary.PutUvarint(tmp[:], x)
}
