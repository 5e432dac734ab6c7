// Package electrum serves the Electrum-style JSON-RPC 2.0 protocol over a
// line-delimited TCP connection, per spec.md §6. Wire format and request/
// response shapes are grounded directly on
// github.com/hemilabs/heminetwork's hemi/electrs client package: conn.go's
// '\n'-terminated json.Marshal / bufio.Reader.ReadBytes('\n') framing, and
// electrs.go's JSONRPCRequest/JSONRPCResponse types -- mirrored
// server-side instead of client-side, since that package only ever dials
// out to a real Electrs server. The method dispatch table names are the
// literal strings electrs.go's Client methods already call against that
// server (blockchain.scripthash.get_balance, .listunspent, and so on).
package electrum

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/juju/loggo"

	"github.com/chaintope/esplora-tapyrus/metrics"
	"github.com/chaintope/esplora-tapyrus/query"
)

var log = loggo.GetLogger("electrum")

// Request mirrors electrs.go's JSONRPCRequest, server-received instead of
// client-sent.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      uint64          `json:"id"`
}

// Response mirrors electrs.go's JSONRPCResponse.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Error   string          `json:"error,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	ID      uint64          `json:"id"`
}

// handlerFunc answers one RPC method against params, returning the value
// to marshal into Response.Result.
type handlerFunc func(ctx context.Context, s *Server, params json.RawMessage) (any, error)

// Server accepts Electrum client connections and dispatches each request
// to the query layer.
type Server struct {
	listenAddr string
	svc        *query.Service
	banner     string
	reg        *metrics.Registry

	mtx      sync.Mutex
	listener net.Listener
}

// New returns a Server bound to listenAddr, answering queries from svc.
// reg may be nil to disable metrics.
func New(listenAddr string, svc *query.Service, banner string, reg *metrics.Registry) *Server {
	return &Server{listenAddr: listenAddr, svc: svc, banner: banner, reg: reg}
}

// Run listens on s's address and serves connections, one goroutine each,
// until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.mtx.Lock()
	s.listener = ln
	s.mtx.Unlock()

	log.Infof("electrum listening: %v", s.listenAddr)

	var wg sync.WaitGroup
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			wg.Wait()
			if errors.Is(ctx.Err(), context.Canceled) {
				log.Infof("electrum clean shutdown")
				return ctx.Err()
			}
			return err
		}

		if s.reg != nil {
			s.reg.ConnectionsOpen.Inc()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if s.reg != nil {
					s.reg.ConnectionsOpen.Dec()
				}
			}()
			s.handleConn(ctx, conn)
		}()
	}
}

const connIdleTimeout = 10 * time.Minute
