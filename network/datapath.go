package network

import (
	"context"
	"log"
	"net"
	"sync"
	"time"

	"directlink/models"
)

// DataPath runs message and file transfers over whichever link is attached.
// Radios own link setup and attach the result here.
type DataPath struct {
	logger    *log.Logger
	chunkSize int

	mu     sync.Mutex
	router *router
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

// NewDataPath creates an idle data path.
func NewDataPath(chunkSize int, logger *log.Logger) *DataPath {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if logger == nil {
		logger = log.Default()
	}
	return &DataPath{
		logger:    logger,
		chunkSize: chunkSize,
		active:    make(map[string]context.CancelFunc),
	}
}

// Attach routes transfers over link, replacing any previous link.
func (d *DataPath) Attach(link *Link) {
	r := newRouter(link, d.logger)
	d.mu.Lock()
	d.router = r
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		r.run()
	}()
}

// Detach forgets link if it is the attached one. A nil link detaches any.
func (d *DataPath) Detach(link *Link) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.router != nil && (link == nil || d.router.link == link) {
		d.router = nil
	}
}

// Link returns the attached link, or nil.
func (d *DataPath) Link() *Link {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.router == nil {
		return nil
	}
	return d.router.link
}

// Close cancels running transfers and waits for the router to exit. The
// attached link must already be closed.
func (d *DataPath) Close() {
	d.mu.Lock()
	for _, cancel := range d.active {
		cancel()
	}
	d.router = nil
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *DataPath) begin(ctx context.Context, transferID string) (*router, context.Context, func(), error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.router == nil {
		return nil, nil, nil, ErrNoLink
	}
	tctx, cancel := context.WithCancel(ctx)
	d.active[transferID] = cancel
	return d.router, tctx, func() {
		cancel()
		d.mu.Lock()
		delete(d.active, transferID)
		d.mu.Unlock()
	}, nil
}

// SendMessage sends text and waits for the peer's acknowledgement.
func (d *DataPath) SendMessage(ctx context.Context, transferID, text string) (models.MetaInfo, error) {
	r, tctx, end, err := d.begin(ctx, transferID)
	if err != nil {
		return models.MetaInfo{}, err
	}
	defer end()
	return r.sendMessage(tctx, transferID, text)
}

// ReceiveMessage waits for the next inbound message.
func (d *DataPath) ReceiveMessage(ctx context.Context, transferID string) (models.MetaInfo, error) {
	r, tctx, end, err := d.begin(ctx, transferID)
	if err != nil {
		return models.MetaInfo{}, err
	}
	defer end()
	return r.receiveMessage(tctx, transferID)
}

// SendFile offers path to the peer and streams it once accepted.
func (d *DataPath) SendFile(ctx context.Context, transferID, path string) (models.MetaInfo, error) {
	r, tctx, end, err := d.begin(ctx, transferID)
	if err != nil {
		return models.MetaInfo{}, err
	}
	defer end()
	return r.sendFile(tctx, transferID, path, d.chunkSize)
}

// ReceiveFile accepts the next file offer into destDir. An empty name keeps
// the sender's file name.
func (d *DataPath) ReceiveFile(ctx context.Context, transferID, destDir, name string) (models.MetaInfo, error) {
	r, tctx, end, err := d.begin(ctx, transferID)
	if err != nil {
		return models.MetaInfo{}, err
	}
	defer end()
	return r.receiveFile(tctx, transferID, destDir, name)
}

// Abort cancels the transfer, telling the peer when one is on the wire.
func (d *DataPath) Abort(_ context.Context, transferID string) error {
	d.mu.Lock()
	cancel, ok := d.active[transferID]
	d.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// Answer completes an inbound greeting as group owner: it writes the local
// hello to conn and starts a link.
func Answer(conn net.Conn, local, remote Hello, options LinkOptions) (*Link, error) {
	local.Type = TypeHello
	local.Version = ProtocolVersion
	local.Timestamp = time.Now().UnixMilli()
	if err := writeMessage(conn, local); err != nil {
		return nil, err
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}
	return newLink(conn, remote, true, options), nil
}

// DialLink dials address, greets, and starts a client link.
func DialLink(ctx context.Context, address string, local Hello, expectID string, timeout time.Duration, options LinkOptions) (*Link, error) {
	conn, remote, err := Dial(ctx, address, local, expectID, timeout)
	if err != nil {
		return nil, err
	}
	return newLink(conn, remote, false, options), nil
}
