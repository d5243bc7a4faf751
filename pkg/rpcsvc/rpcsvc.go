// Package rpcsvc is the Pool Service's request dispatch and wire
// transport: a listener accepting one gob-framed connection per client,
// looking the target pool up in pkg/registry and invoking the matching
// pkg/poolsvc.Service method.
//
// Grounded on cuemby/warren's pkg/api/server.go for the dispatch shape
// (ensureLeader-style prologue, error-wrapped replies) and on
// hashicorp/raft's own raft.NewTCPTransport for the choice of a plain
// net.Listener + length-prefixed stream codec rather than a generated
// gRPC service: protobuf codegen isn't available in this environment, so
// the wire format here is gob over TCP, framed the same way raft's
// transport frames its RPCs (a small header naming the operation,
// followed by a gob-encoded body).
package rpcsvc

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/poolfabric/poolsvc/pkg/log"
	"github.com/poolfabric/poolsvc/pkg/poolsvc"
	"github.com/poolfabric/poolsvc/pkg/registry"
	"github.com/poolfabric/poolsvc/pkg/types"
)

// Op names the RPC being invoked, mirroring the operations in spec.md §4.
type Op string

const (
	OpCreate         Op = "CREATE"
	OpConnect        Op = "CONNECT"
	OpDisconnect     Op = "DISCONNECT"
	OpQuery          Op = "QUERY"
	OpUpdate         Op = "UPDATE"
	OpEvict          Op = "EVICT"
	OpStop           Op = "STOP"
	OpAttrSet        Op = "ATTR_SET"
	OpAttrGet        Op = "ATTR_GET"
	OpAttrDelete     Op = "ATTR_DELETE"
	OpAttrList       Op = "ATTR_LIST"
	OpReplicasAdd    Op = "REPLICAS_ADD"
	OpReplicasRemove Op = "REPLICAS_REMOVE"
)

// Header precedes every request and reply on the wire.
type Header struct {
	Op     Op
	PoolID types.UUID
}

// Reply is the envelope every handler result is wrapped in: a gob-encoded
// payload plus an error string (empty on success) and the leader hint the
// handler observed, so a client driving a rechoose loop can re-target the
// current leader without a separate round trip.
type Reply struct {
	Payload []byte
	ErrKind string
	ErrMsg  string
	// ReqSize carries a KindTrunc error's required buffer size, since the
	// reply carries the *types.Error only as its kind and message strings.
	ReqSize int
	Hint    types.LeaderHint
}

// Server accepts connections and dispatches requests against services
// looked up from a Registry.
type Server struct {
	reg *registry.Registry
	ln  net.Listener
	log zerolog.Logger
	wg  sync.WaitGroup
}

func NewServer(reg *registry.Registry) *Server {
	return &Server{reg: reg, log: log.WithComponent("rpcsvc")}
}

// Listen binds addr and begins accepting connections in the background.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("rpcsvc: listen %s: %w", addr, err)
	}
	s.ln = ln
	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	err := s.ln.Close()
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	dec := gob.NewDecoder(conn)
	enc := gob.NewEncoder(conn)

	for {
		var hdr Header
		if err := dec.Decode(&hdr); err != nil {
			return
		}
		reply := s.dispatch(hdr, dec)
		if err := enc.Encode(reply); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(hdr Header, dec *gob.Decoder) Reply {
	svc, ok := s.reg.Lookup(hdr.PoolID)
	if !ok {
		return errReply(types.NewError(types.KindNonexist, "pool not running on this node"), types.LeaderHint{})
	}

	handler, ok := handlers[hdr.Op]
	if !ok {
		return errReply(types.NewError(types.KindInval, fmt.Sprintf("unknown op %q", hdr.Op)), types.LeaderHint{})
	}

	reply, err := handler(svc, dec)
	if err != nil {
		s.log.Debug().Str("op", string(hdr.Op)).Str("pool_id", hdr.PoolID.String()).Err(err).Msg("rpc handler failed")
	}
	return reply
}

func errReply(err error, hint types.LeaderHint) Reply {
	reply := Reply{ErrKind: string(types.KindOf(err)), ErrMsg: err.Error(), Hint: hint}
	if pe, ok := err.(*types.Error); ok {
		reply.ReqSize = pe.RequiredSize
	}
	return reply
}

func okReply(payload interface{}, hint types.LeaderHint) Reply {
	return Reply{Payload: mustEncode(payload), Hint: hint}
}

func mustEncode(v interface{}) []byte {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		panic(fmt.Sprintf("rpcsvc: encode reply payload: %v", err))
	}
	return buf.Bytes()
}

// handlerFunc decodes its request from dec, calls the matching
// pkg/poolsvc.Service method, and wraps the result as a Reply.
type handlerFunc func(svc *poolsvc.Service, dec *gob.Decoder) (Reply, error)

var handlers = map[Op]handlerFunc{
	OpConnect: func(svc *poolsvc.Service, dec *gob.Decoder) (Reply, error) {
		var req poolsvc.ConnectRequest
		if err := dec.Decode(&req); err != nil {
			return errReply(err, types.LeaderHint{}), err
		}
		rep, err := svc.Connect(req)
		if err != nil {
			return errReply(err, rep.Hint), err
		}
		return okReply(rep, rep.Hint), nil
	},
	OpDisconnect: func(svc *poolsvc.Service, dec *gob.Decoder) (Reply, error) {
		var req poolsvc.DisconnectRequest
		if err := dec.Decode(&req); err != nil {
			return errReply(err, types.LeaderHint{}), err
		}
		rep, err := svc.Disconnect(req)
		if err != nil {
			return errReply(err, rep.Hint), err
		}
		return okReply(rep, rep.Hint), nil
	},
	OpQuery: func(svc *poolsvc.Service, dec *gob.Decoder) (Reply, error) {
		var req poolsvc.QueryRequest
		if err := dec.Decode(&req); err != nil {
			return errReply(err, types.LeaderHint{}), err
		}
		rep, err := svc.Query(req)
		if err != nil {
			return errReply(err, rep.Hint), err
		}
		return okReply(rep, rep.Hint), nil
	},
	OpUpdate: func(svc *poolsvc.Service, dec *gob.Decoder) (Reply, error) {
		var req poolsvc.UpdateRequest
		if err := dec.Decode(&req); err != nil {
			return errReply(err, types.LeaderHint{}), err
		}
		rep, err := svc.Update(req)
		if err != nil {
			return errReply(err, rep.Hint), err
		}
		return okReply(rep, rep.Hint), nil
	},
	OpEvict: func(svc *poolsvc.Service, dec *gob.Decoder) (Reply, error) {
		var req poolsvc.EvictRequest
		if err := dec.Decode(&req); err != nil {
			return errReply(err, types.LeaderHint{}), err
		}
		rep, err := svc.Evict(req)
		if err != nil {
			return errReply(err, rep.Hint), err
		}
		return okReply(rep, rep.Hint), nil
	},
	OpStop: func(svc *poolsvc.Service, dec *gob.Decoder) (Reply, error) {
		hint, err := svc.StopHandler()
		if err != nil {
			return errReply(err, hint), err
		}
		return okReply(struct{}{}, hint), nil
	},
	OpAttrSet: func(svc *poolsvc.Service, dec *gob.Decoder) (Reply, error) {
		var req poolsvc.AttrSetRequest
		if err := dec.Decode(&req); err != nil {
			return errReply(err, types.LeaderHint{}), err
		}
		hint, err := svc.AttrSet(req)
		if err != nil {
			return errReply(err, hint), err
		}
		return okReply(struct{}{}, hint), nil
	},
	OpAttrGet: func(svc *poolsvc.Service, dec *gob.Decoder) (Reply, error) {
		var req poolsvc.AttrGetRequest
		if err := dec.Decode(&req); err != nil {
			return errReply(err, types.LeaderHint{}), err
		}
		rep, err := svc.AttrGet(req)
		if err != nil {
			return errReply(err, rep.Hint), err
		}
		return okReply(rep, rep.Hint), nil
	},
	OpAttrDelete: func(svc *poolsvc.Service, dec *gob.Decoder) (Reply, error) {
		var req poolsvc.AttrDeleteRequest
		if err := dec.Decode(&req); err != nil {
			return errReply(err, types.LeaderHint{}), err
		}
		hint, err := svc.AttrDelete(req)
		if err != nil {
			return errReply(err, hint), err
		}
		return okReply(struct{}{}, hint), nil
	},
	OpAttrList: func(svc *poolsvc.Service, dec *gob.Decoder) (Reply, error) {
		rep, err := svc.AttrList()
		if err != nil {
			return errReply(err, rep.Hint), err
		}
		return okReply(rep, rep.Hint), nil
	},
	OpReplicasAdd: func(svc *poolsvc.Service, dec *gob.Decoder) (Reply, error) {
		var req poolsvc.ReplicasAddRequest
		if err := dec.Decode(&req); err != nil {
			return errReply(err, types.LeaderHint{}), err
		}
		hint, err := svc.ReplicasAdd(req)
		if err != nil {
			return errReply(err, hint), err
		}
		return okReply(struct{}{}, hint), nil
	},
	OpReplicasRemove: func(svc *poolsvc.Service, dec *gob.Decoder) (Reply, error) {
		var req poolsvc.ReplicasRemoveRequest
		if err := dec.Decode(&req); err != nil {
			return errReply(err, types.LeaderHint{}), err
		}
		hint, err := svc.ReplicasRemove(req)
		if err != nil {
			return errReply(err, hint), err
		}
		return okReply(struct{}{}, hint), nil
	},
	OpCreate: func(svc *poolsvc.Service, dec *gob.Decoder) (Reply, error) {
		var req poolsvc.CreateRequest
		if err := dec.Decode(&req); err != nil {
			return errReply(err, types.LeaderHint{}), err
		}
		rep, err := svc.Create(req)
		if err != nil {
			return errReply(err, rep.Hint), err
		}
		return okReply(rep, rep.Hint), nil
	},
}
