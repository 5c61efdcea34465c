package tunnel

import (
	"net"
	"sync"
	"time"
)

// relay copies data in both directions between the client and target until
// either side fails or closes, or no data moves for IdleLimit poll intervals.
//
// Two reader goroutines block in Read and hand chunks to a single loop that
// owns all writes and counters. Bytes are counted when read, whether or not
// the forward write succeeds. Writes are complete before the next chunk is
// taken, so a slow peer applies backpressure to the other side's reader.
func (s *Session) relay(target net.Conn) {
	done := make(chan struct{})
	fromClient := make(chan chunk)
	fromTarget := make(chan chunk)

	var readers sync.WaitGroup
	readers.Add(2)
	go pump(s.client, fromClient, done, &readers)
	go pump(target, fromTarget, done, &readers)

	defer func() {
		close(done)
		s.Close()
		readers.Wait()
	}()

	ticker := time.NewTicker(s.server.opts.PollInterval)
	defer ticker.Stop()

	idle := 0
	moved := false
	for {
		select {
		case c, ok := <-fromClient:
			if !ok {
				s.log.Debug("Client closed the connection")
				return
			}
			s.upload += uint64(c.n)
			s.server.metrics.upload(c.n)
			moved = true
			err := writeFull(target, c.bytes())
			c.release()
			if err != nil {
				s.log.WithError(err).Debug("Write to target failed")
				return
			}

		case c, ok := <-fromTarget:
			if !ok {
				s.log.Debug("Target closed the connection")
				return
			}
			s.download += uint64(c.n)
			s.server.metrics.download(c.n)
			moved = true
			err := writeFull(s.client, c.bytes())
			c.release()
			if err != nil {
				s.log.WithError(err).Debug("Write to client failed")
				return
			}

		case <-ticker.C:
			if moved {
				idle = 0
				moved = false
				continue
			}
			idle++
			if idle >= s.server.opts.IdleLimit {
				s.log.Infof("Idle for %d poll intervals, closing", idle)
				return
			}
		}
	}
}

// pump reads src into pooled buffers and sends each chunk on out. It closes out
// when the read side ends and returns without blocking once done is closed.
func pump(src net.Conn, out chan<- chunk, done <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	defer close(out)
	for {
		buf := getBuffer()
		n, err := src.Read(*buf)
		if n == 0 {
			putBuffer(buf)
			return
		}
		select {
		case out <- chunk{buf: buf, n: n}:
		case <-done:
			putBuffer(buf)
			return
		}
		if err != nil {
			return
		}
	}
}
