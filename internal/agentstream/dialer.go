// dialer.go adapts a pooled SSH transport into the proxyhttp.Dialer
// interface. Every exchange opens a fresh tunneled-TCP channel bridge to the
// proxy's loopback address on the remote host; proxyhttp itself never learns
// the stream rides over SSH.

package agentstream

import (
	"context"
	"io"

	"github.com/gluk-w/clawlink/internal/sshbridge"
	"github.com/gluk-w/clawlink/internal/sshpool"
)

// tunnelDialer opens virtual streams to the remote loopback proxy through
// the connection pool.
type tunnelDialer struct {
	pool    *sshpool.Pool
	target  string
	purpose sshpool.Purpose
	host    string
	port    int
}

func (d *tunnelDialer) DialProxy(ctx context.Context) (io.ReadWriteCloser, error) {
	tr, err := d.pool.Acquire(ctx, d.target, d.purpose)
	if err != nil {
		return nil, err
	}

	b, err := sshbridge.OpenTunnel(ctx, tr, d.host, d.port, sshbridge.Options{})
	if err != nil {
		return nil, err
	}

	return &bridgeStream{bridge: b, consumer: b.Subscribe()}, nil
}

// bridgeStream exposes a tunnel bridge as an io.ReadWriteCloser.
type bridgeStream struct {
	bridge   *sshbridge.Bridge
	consumer *sshbridge.Consumer
	leftover []byte
}

func (bs *bridgeStream) Read(p []byte) (int, error) {
	if len(bs.leftover) == 0 {
		// Close terminates the bridge, which ends this Recv; no separate
		// deadline is needed here.
		chunk, err := bs.consumer.Recv(context.Background())
		if err != nil {
			return 0, err
		}
		bs.leftover = chunk
	}

	n := copy(p, bs.leftover)
	bs.leftover = bs.leftover[n:]
	return n, nil
}

func (bs *bridgeStream) Write(p []byte) (int, error) {
	if err := bs.bridge.Send(context.Background(), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (bs *bridgeStream) Close() error {
	return bs.bridge.Terminate()
}
