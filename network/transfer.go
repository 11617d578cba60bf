package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"directlink/crypto"
	"directlink/models"
)

const (
	inboxSize = 32
	offerSize = 8
)

type waiter struct {
	frames chan []byte
	done   chan struct{}
}

// router reads frames off one link and hands them to the transfer waiting
// for them, keyed by wire transfer ID. Unsolicited messages and offers are
// queued until a receive claims them.
type router struct {
	link   *Link
	logger *log.Logger

	mu       sync.Mutex
	waiters  map[string]*waiter
	aborted  map[string]struct{}
	messages chan TextMessage
	offers   chan FileOffer
}

func newRouter(link *Link, logger *log.Logger) *router {
	return &router{
		link:     link,
		logger:   logger,
		waiters:  make(map[string]*waiter),
		aborted:  make(map[string]struct{}),
		messages: make(chan TextMessage, inboxSize),
		offers:   make(chan FileOffer, offerSize),
	}
}

func (r *router) register(id string) *waiter {
	w := &waiter{frames: make(chan []byte, 16), done: make(chan struct{})}
	r.mu.Lock()
	r.waiters[id] = w
	r.mu.Unlock()
	return w
}

func (r *router) unregister(id string, w *waiter) {
	r.mu.Lock()
	if r.waiters[id] == w {
		delete(r.waiters, id)
	}
	r.mu.Unlock()
	close(w.done)
}

func (r *router) isAborted(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.aborted[id]
	delete(r.aborted, id)
	return ok
}

func (r *router) run() {
	for {
		payload, err := r.link.Receive(context.Background())
		if err != nil {
			return
		}
		msgType, err := DecodeMessageType(payload)
		if err != nil {
			continue
		}

		switch msgType {
		case TypeMessage:
			msg, err := decode[TextMessage](payload)
			if err != nil {
				continue
			}
			select {
			case r.messages <- msg:
				_ = r.link.Send(MessageAck{Type: TypeMessageAck, TransferID: msg.TransferID})
			default:
				_ = r.link.Send(TransferAbort{Type: TypeTransferAbort, TransferID: msg.TransferID, Reason: "inbox full"})
			}
		case TypeFileOffer:
			offer, err := decode[FileOffer](payload)
			if err != nil {
				continue
			}
			select {
			case r.offers <- offer:
			default:
				_ = r.link.Send(TransferAbort{Type: TypeTransferAbort, TransferID: offer.TransferID, Reason: "too many pending offers"})
			}
		case TypeTransferAbort:
			id := transferIDOf(payload)
			if !r.route(id, payload) {
				r.mu.Lock()
				r.aborted[id] = struct{}{}
				r.mu.Unlock()
			}
		case TypeError:
			msg, _ := decode[ErrorMessage](payload)
			r.logger.Printf("network: peer %s reported %s: %s", r.link.Remote().DeviceID, msg.Code, msg.Message)
		default:
			id := transferIDOf(payload)
			if !r.route(id, payload) {
				r.logger.Printf("network: dropped %s for unknown transfer %q", msgType, id)
			}
		}
	}
}

func (r *router) route(id string, payload []byte) bool {
	if id == "" {
		return false
	}
	r.mu.Lock()
	w := r.waiters[id]
	r.mu.Unlock()
	if w == nil {
		return false
	}
	select {
	case w.frames <- payload:
	case <-w.done:
	case <-r.link.Done():
	}
	return true
}

// next waits for the next frame routed to w.
func (r *router) next(ctx context.Context, w *waiter) (string, []byte, error) {
	select {
	case payload := <-w.frames:
		msgType, err := DecodeMessageType(payload)
		if err != nil {
			return "", nil, err
		}
		if msgType == TypeTransferAbort {
			abort, _ := decode[TransferAbort](payload)
			return msgType, payload, fmt.Errorf("%w by peer: %s", ErrTransferAborted, abort.Reason)
		}
		return msgType, payload, nil
	case <-r.link.Done():
		return "", nil, r.link.terminalErr()
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
}

func (r *router) abortRemote(id, reason string) {
	_ = r.link.Send(TransferAbort{Type: TypeTransferAbort, TransferID: id, Reason: reason})
}

func (r *router) sendMessage(ctx context.Context, transferID, text string) (models.MetaInfo, error) {
	meta := models.MetaInfo{
		TransferID: transferID,
		Kind:       models.TransferMessage,
		Text:       text,
		Bytes:      int64(len(text)),
		Remote:     r.link.Remote().DeviceID,
		Started:    time.Now(),
	}

	w := r.register(transferID)
	defer r.unregister(transferID, w)

	if err := r.link.Send(TextMessage{
		Type:       TypeMessage,
		TransferID: transferID,
		Text:       text,
		Timestamp:  meta.Started.UnixMilli(),
	}); err != nil {
		return models.MetaInfo{}, fmt.Errorf("send message: %w", err)
	}

	for {
		msgType, _, err := r.next(ctx, w)
		if err != nil {
			return models.MetaInfo{}, err
		}
		if msgType == TypeMessageAck {
			meta.Finished = time.Now()
			return meta, nil
		}
	}
}

func (r *router) receiveMessage(ctx context.Context, transferID string) (models.MetaInfo, error) {
	for {
		select {
		case msg := <-r.messages:
			if r.isAborted(msg.TransferID) {
				continue
			}
			return models.MetaInfo{
				TransferID: transferID,
				Kind:       models.TransferMessage,
				Text:       msg.Text,
				Bytes:      int64(len(msg.Text)),
				Remote:     r.link.Remote().DeviceID,
				Started:    time.UnixMilli(msg.Timestamp),
				Finished:   time.Now(),
			}, nil
		case <-r.link.Done():
			return models.MetaInfo{}, r.link.terminalErr()
		case <-ctx.Done():
			return models.MetaInfo{}, ctx.Err()
		}
	}
}

func (r *router) sendFile(ctx context.Context, transferID, path string, chunkSize int) (models.MetaInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return models.MetaInfo{}, fmt.Errorf("stat source file: %w", err)
	}
	if info.IsDir() {
		return models.MetaInfo{}, errors.New("source path must be a file")
	}
	checksum, err := crypto.FileChecksum(path)
	if err != nil {
		return models.MetaInfo{}, err
	}

	meta := models.MetaInfo{
		TransferID: transferID,
		Kind:       models.TransferFile,
		Name:       filepath.Base(path),
		Path:       path,
		Bytes:      info.Size(),
		Checksum:   checksum,
		Remote:     r.link.Remote().DeviceID,
		Started:    time.Now(),
	}

	w := r.register(transferID)
	defer r.unregister(transferID, w)

	if err := r.link.Send(FileOffer{
		Type:       TypeFileOffer,
		TransferID: transferID,
		Name:       meta.Name,
		Size:       meta.Bytes,
		Checksum:   checksum,
		Timestamp:  meta.Started.UnixMilli(),
	}); err != nil {
		return models.MetaInfo{}, fmt.Errorf("send file offer: %w", err)
	}

	if err := r.await(ctx, w, transferID, TypeFileAccept, nil); err != nil {
		return models.MetaInfo{}, err
	}

	if err := r.stream(ctx, w, transferID, path, chunkSize); err != nil {
		return models.MetaInfo{}, err
	}
	if err := r.link.Send(FileDone{Type: TypeFileDone, TransferID: transferID, Bytes: meta.Bytes}); err != nil {
		return models.MetaInfo{}, fmt.Errorf("send file done: %w", err)
	}

	var ack FileAck
	if err := r.await(ctx, w, transferID, TypeFileAck, func(payload []byte) error {
		var err error
		ack, err = decode[FileAck](payload)
		return err
	}); err != nil {
		return models.MetaInfo{}, err
	}
	if !ack.OK {
		if ack.Checksum != "" && ack.Checksum != checksum {
			return models.MetaInfo{}, fmt.Errorf("%w: peer computed %s", ErrChecksumMismatch, ack.Checksum)
		}
		return models.MetaInfo{}, fmt.Errorf("peer rejected file: %s", ack.Error)
	}

	meta.Finished = time.Now()
	return meta, nil
}

// await waits for a frame of want, aborting the peer side if ctx ends first.
func (r *router) await(ctx context.Context, w *waiter, transferID, want string, handle func([]byte) error) error {
	for {
		msgType, payload, err := r.next(ctx, w)
		if err != nil {
			if ctx.Err() != nil {
				r.abortRemote(transferID, "sender gave up")
			}
			return err
		}
		if msgType != want {
			continue
		}
		if handle != nil {
			return handle(payload)
		}
		return nil
	}
}

func (r *router) stream(ctx context.Context, w *waiter, transferID, path string, chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open source file: %w", err)
	}
	defer file.Close()

	buf := make([]byte, chunkSize)
	var offset int64
	for {
		if err := ctx.Err(); err != nil {
			r.abortRemote(transferID, "sender gave up")
			return err
		}
		select {
		case payload := <-w.frames:
			if msgType, _ := DecodeMessageType(payload); msgType == TypeTransferAbort {
				abort, _ := decode[TransferAbort](payload)
				return fmt.Errorf("%w by peer: %s", ErrTransferAborted, abort.Reason)
			}
		default:
		}

		n, readErr := file.Read(buf)
		if n > 0 {
			if err := r.link.Send(FileData{
				Type:       TypeFileData,
				TransferID: transferID,
				Offset:     offset,
				Data:       buf[:n],
			}); err != nil {
				return fmt.Errorf("send file data: %w", err)
			}
			offset += int64(n)
		}
		if errors.Is(readErr, io.EOF) {
			return nil
		}
		if readErr != nil {
			r.abortRemote(transferID, "read failed")
			return fmt.Errorf("read source file: %w", readErr)
		}
	}
}

func (r *router) nextOffer(ctx context.Context) (FileOffer, error) {
	for {
		select {
		case offer := <-r.offers:
			if r.isAborted(offer.TransferID) {
				continue
			}
			return offer, nil
		case <-r.link.Done():
			return FileOffer{}, r.link.terminalErr()
		case <-ctx.Done():
			return FileOffer{}, ctx.Err()
		}
	}
}

func (r *router) receiveFile(ctx context.Context, transferID, destDir, name string) (models.MetaInfo, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return models.MetaInfo{}, fmt.Errorf("create destination: %w", err)
	}

	offer, err := r.nextOffer(ctx)
	if err != nil {
		return models.MetaInfo{}, err
	}

	w := r.register(offer.TransferID)
	defer r.unregister(offer.TransferID, w)

	tmp, err := os.CreateTemp(destDir, ".directlink-*.part")
	if err != nil {
		r.abortRemote(offer.TransferID, "cannot create file")
		return models.MetaInfo{}, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	keep := false
	defer func() {
		_ = tmp.Close()
		if !keep {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := r.link.Send(FileAccept{Type: TypeFileAccept, TransferID: offer.TransferID}); err != nil {
		return models.MetaInfo{}, fmt.Errorf("send file accept: %w", err)
	}

	started := time.Now()
	hash := crypto.NewChecksum()
	var written int64
	for {
		msgType, payload, err := r.next(ctx, w)
		if err != nil {
			if ctx.Err() != nil {
				r.abortRemote(offer.TransferID, "receiver gave up")
			}
			return models.MetaInfo{}, err
		}

		switch msgType {
		case TypeFileData:
			chunk, err := decode[FileData](payload)
			if err != nil {
				r.abortRemote(offer.TransferID, "bad chunk")
				return models.MetaInfo{}, err
			}
			if chunk.Offset != written {
				r.abortRemote(offer.TransferID, "out of order chunk")
				return models.MetaInfo{}, fmt.Errorf("chunk at offset %d, expected %d", chunk.Offset, written)
			}
			if _, err := tmp.Write(chunk.Data); err != nil {
				r.abortRemote(offer.TransferID, "write failed")
				return models.MetaInfo{}, fmt.Errorf("write file chunk: %w", err)
			}
			_, _ = hash.Write(chunk.Data)
			written += int64(len(chunk.Data))

		case TypeFileDone:
			sum := crypto.SumHex(hash)
			if sum != offer.Checksum || written != offer.Size {
				_ = r.link.Send(FileAck{
					Type:       TypeFileAck,
					TransferID: offer.TransferID,
					Checksum:   sum,
					Error:      "verification failed",
				})
				return models.MetaInfo{}, fmt.Errorf("%w: got %s (%d bytes), want %s (%d bytes)",
					ErrChecksumMismatch, sum, written, offer.Checksum, offer.Size)
			}
			if err := tmp.Close(); err != nil {
				return models.MetaInfo{}, fmt.Errorf("close temp file: %w", err)
			}
			final, err := placeFile(tmpPath, destDir, pickName(name, offer.Name))
			if err != nil {
				_ = r.link.Send(FileAck{Type: TypeFileAck, TransferID: offer.TransferID, Checksum: sum, Error: "cannot store file"})
				return models.MetaInfo{}, err
			}
			keep = true
			_ = r.link.Send(FileAck{Type: TypeFileAck, TransferID: offer.TransferID, OK: true, Checksum: sum})
			return models.MetaInfo{
				TransferID: transferID,
				Kind:       models.TransferFile,
				Name:       filepath.Base(final),
				Path:       final,
				Bytes:      written,
				Checksum:   sum,
				Remote:     r.link.Remote().DeviceID,
				Started:    started,
				Finished:   time.Now(),
			}, nil
		}
	}
}

func pickName(requested, offered string) string {
	name := strings.TrimSpace(requested)
	if name == "" {
		name = offered
	}
	name = filepath.Base(filepath.Clean("/" + name))
	if name == "/" || name == "." || name == "" {
		name = "received.bin"
	}
	return name
}

// placeFile renames tmp into dir under name, adding " (n)" before the
// extension until the name is free.
func placeFile(tmp, dir, name string) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	candidate := filepath.Join(dir, name)
	for i := 1; ; i++ {
		if _, err := os.Lstat(candidate); errors.Is(err, os.ErrNotExist) {
			break
		}
		candidate = filepath.Join(dir, stem+" ("+strconv.Itoa(i)+")"+ext)
	}
	if err := os.Rename(tmp, candidate); err != nil {
		return "", fmt.Errorf("move received file: %w", err)
	}
	return candidate, nil
}
