package process

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/bgpmon/collector/internal/mrt"
)

// mrtReadBufSize is the per-read chunk size off an MRT feed connection,
// sized well above a single MRT header so a read rarely needs more than
// one syscall per frame under steady load.
const mrtReadBufSize = 65536

// serveMRT accepts MRT feed connections on addr, handing each connection's
// bytes to reader's backlog and pumping it after every read, one
// goroutine per connection. Grounded on clientio.Listener's accept-loop
// shape; the MRT side only reads (it never writes back to the feed).
func serveMRT(ctx context.Context, addr string, reader *mrt.Reader, logger *zap.Logger) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("process: mrt listen on %s: %w", addr, err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("process: mrt accept: %w", err)
		}
		go pumpMRTConn(ctx, conn, reader, logger)
	}
}

func pumpMRTConn(ctx context.Context, conn net.Conn, reader *mrt.Reader, logger *zap.Logger) {
	defer conn.Close()
	buf := make([]byte, mrtReadBufSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			reader.Feed(buf[:n])
			if perr := reader.Pump(ctx); perr != nil {
				logger.Warn("mrt: pump failed", zap.Error(perr))
			}
		}
		if err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}
