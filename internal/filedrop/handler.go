// Package filedrop implements the auxiliary binary upload channel
// referenced by the data-channel protocol's FILE_UPLOAD_* messages.
package filedrop

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/lanternops/waydesk/internal/logging"
)

// TextSender delivers a line on the session's primary text data channel,
// used to report upload warnings/errors back to the peer.
type TextSender interface {
	SendText(line string) error
}

// Handler tracks the single in-flight upload permitted per session (spec
// §4.9: "at most one upload is open per session at a time"). Chunk bytes
// arrive on a transient auxiliary binary channel, each message prefixed
// with a 1-byte type tag; 0x01 marks a file chunk.
type Handler struct {
	text       TextSender
	receiveDir string
	maxSize    int64

	mu      sync.Mutex
	current *upload
}

type upload struct {
	path     string
	declared int64
	received int64
	file     *os.File
}

const chunkType byte = 0x01

// New creates a Handler that writes completed uploads under receiveDir.
// maxSize bounds the declared size accepted in a FILE_UPLOAD_START message.
func New(text TextSender, receiveDir string, maxSize int64) *Handler {
	return &Handler{
		text:       text,
		receiveDir: receiveDir,
		maxSize:    maxSize,
	}
}

// HandleText dispatches a FILE_UPLOAD_START/END/ERROR text message. It
// returns false if the line does not carry one of those prefixes, so the
// caller's data-channel dispatcher can fall through to its own switch.
func (h *Handler) HandleText(line string) (bool, error) {
	log := logging.L("filedrop")

	switch {
	case strings.HasPrefix(line, "FILE_UPLOAD_START:"):
		rest := strings.TrimPrefix(line, "FILE_UPLOAD_START:")
		path, sizeStr, ok := strings.Cut(rest, ":")
		if !ok {
			return true, fmt.Errorf("filedrop: malformed FILE_UPLOAD_START %q", line)
		}
		size, err := strconv.ParseInt(sizeStr, 10, 64)
		if err != nil {
			return true, fmt.Errorf("filedrop: malformed size in FILE_UPLOAD_START %q: %w", line, err)
		}
		if err := h.start(path, size); err != nil {
			log.Warn("upload rejected", "path", path, "error", err)
			h.warn(fmt.Sprintf("FILE_UPLOAD_ERROR:%s:%s", path, err.Error()))
			return true, nil
		}
		return true, nil

	case strings.HasPrefix(line, "FILE_UPLOAD_END:"):
		path := strings.TrimPrefix(line, "FILE_UPLOAD_END:")
		if err := h.finish(path); err != nil {
			log.Warn("upload finalize failed", "path", path, "error", err)
			h.warn(fmt.Sprintf("FILE_UPLOAD_ERROR:%s:%s", path, err.Error()))
		}
		return true, nil

	case strings.HasPrefix(line, "FILE_UPLOAD_ERROR:"):
		h.abort()
		return true, nil
	}

	return false, nil
}

// HandleBinary processes a message received on the auxiliary channel.
// Only chunkType (0x01) messages are meaningful; anything else is ignored.
func (h *Handler) HandleBinary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if data[0] != chunkType {
		return nil
	}
	return h.appendChunk(data[1:])
}

func (h *Handler) start(path string, declaredSize int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.current != nil {
		return fmt.Errorf("an upload is already in progress")
	}
	if declaredSize < 0 || declaredSize > h.maxSize {
		return fmt.Errorf("declared size %d exceeds limit", declaredSize)
	}

	for _, part := range strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return fmt.Errorf("path traversal detected for %q", path)
		}
	}

	safeName := filepath.Base(path)
	if safeName == "." || safeName == ".." || safeName == string(filepath.Separator) {
		return fmt.Errorf("invalid file name %q", path)
	}
	if strings.ContainsAny(safeName, `/\`) || strings.HasPrefix(safeName, ".") {
		return fmt.Errorf("invalid file name %q", path)
	}

	receiveDir := h.receiveDir
	if receiveDir == "" {
		receiveDir = os.TempDir()
	}
	if err := os.MkdirAll(receiveDir, 0o755); err != nil {
		return err
	}

	absReceiveDir, err := filepath.Abs(receiveDir)
	if err != nil {
		return fmt.Errorf("resolve receive dir: %w", err)
	}
	filePath := filepath.Join(receiveDir, safeName)
	absFilePath, err := filepath.Abs(filePath)
	if err != nil {
		return fmt.Errorf("resolve file path: %w", err)
	}
	if !strings.HasPrefix(absFilePath, absReceiveDir+string(filepath.Separator)) {
		return fmt.Errorf("path traversal detected for %q", path)
	}

	file, err := os.Create(filePath)
	if err != nil {
		return err
	}

	h.current = &upload{
		path:     filePath,
		declared: declaredSize,
		file:     file,
	}
	return nil
}

func (h *Handler) appendChunk(data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.current == nil {
		return fmt.Errorf("filedrop: chunk received with no upload open")
	}
	if h.current.received+int64(len(data)) > h.current.declared {
		return fmt.Errorf("filedrop: upload exceeds declared size %d", h.current.declared)
	}
	if _, err := h.current.file.WriteAt(data, h.current.received); err != nil {
		return err
	}
	h.current.received += int64(len(data))
	return nil
}

func (h *Handler) finish(path string) error {
	h.mu.Lock()
	current := h.current
	h.current = nil
	h.mu.Unlock()

	if current == nil {
		return fmt.Errorf("no upload in progress")
	}
	if err := current.file.Close(); err != nil {
		return err
	}
	if current.received != current.declared {
		return fmt.Errorf("received %d bytes, expected %d", current.received, current.declared)
	}
	return nil
}

func (h *Handler) abort() {
	h.mu.Lock()
	current := h.current
	h.current = nil
	h.mu.Unlock()

	if current != nil {
		current.file.Close()
		os.Remove(current.path)
	}
}

func (h *Handler) warn(line string) {
	if h.text == nil {
		return
	}
	_ = h.text.SendText(line)
}
