package electrum

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"time"
)

// handleConn reads one '\n'-delimited JSON-RPC request at a time from
// conn, dispatches it, and writes back a '\n'-delimited response, the
// mirror image of electrs/conn.go's writeRequest/readResponse pair.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	addr := conn.RemoteAddr().String()
	log.Debugf("electrum conn opened: %v", addr)
	defer log.Debugf("electrum conn closed: %v", addr)

	reader := bufio.NewReader(conn)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(connIdleTimeout)); err != nil {
			return
		}

		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF {
				log.Debugf("electrum conn read: %v: %v", addr, err)
			}
			return
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			log.Debugf("electrum conn unmarshal: %v: %v", addr, err)
			continue
		}

		resp := s.dispatch(ctx, &req)
		if err := s.writeResponse(conn, resp); err != nil {
			log.Debugf("electrum conn write: %v: %v", addr, err)
			return
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (s *Server) writeResponse(conn net.Conn, resp *Response) error {
	b, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = conn.Write(b)
	return err
}

// dispatch looks up req.Method in methodTable and runs it, recording
// per-method request metrics the way electrs.go's client-side metrics do
// for rpcCallsTotal/rpcCallsDuration.
func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	resp := &Response{JSONRPC: "2.0", ID: req.ID}

	handler, ok := methodTable[req.Method]
	if !ok {
		resp.Error = "unknown method: " + req.Method
		return resp
	}

	start := time.Now()
	result, err := handler(ctx, s, req.Params)
	if s.reg != nil {
		s.reg.RequestsTotal.WithLabelValues("electrum", req.Method).Inc()
		s.reg.RequestsDuration.WithLabelValues("electrum", req.Method).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		resp.Error = err.Error()
		return resp
	}

	if result != nil {
		b, merr := json.Marshal(result)
		if merr != nil {
			resp.Error = merr.Error()
			return resp
		}
		resp.Result = b
	}
	return resp
}
