package process

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/bgpmon/collector/internal/bmp"
)

// bmpReadBufSize is the per-read chunk size off a BMP feed connection,
// mirroring internal/process's mrtReadBufSize.
const bmpReadBufSize = 65536

// serveBMP accepts OpenBMP feed connections on addr, handing each
// connection's bytes to reader's backlog and pumping it after every read,
// one goroutine per connection. Grounded on serveMRT's accept-loop shape.
func serveBMP(ctx context.Context, addr string, reader *bmp.Reader, logger *zap.Logger) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("process: bmp listen on %s: %w", addr, err)
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
			return fmt.Errorf("process: bmp accept: %w", err)
		}
		go pumpBMPConn(ctx, conn, reader, logger)
	}
}

func pumpBMPConn(ctx context.Context, conn net.Conn, reader *bmp.Reader, logger *zap.Logger) {
	defer conn.Close()
	buf := make([]byte, bmpReadBufSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			reader.Feed(buf[:n])
			if perr := reader.Pump(ctx); perr != nil {
				logger.Warn("bmp: pump failed", zap.Error(perr))
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
