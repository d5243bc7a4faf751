package rpcsvc

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"net"
	"sync"

	"github.com/poolfabric/poolsvc/pkg/types"
)

// Client is a connection to one pool service node. Callers that need to
// rechoose the leader on KindNotLeader construct a new Client against the
// rank named in the returned LeaderHint.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	enc  *gob.Encoder
	dec  *gob.Decoder
}

func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("rpcsvc: dial %s: %w", addr, err)
	}
	return &Client{conn: conn, enc: gob.NewEncoder(conn), dec: gob.NewDecoder(conn)}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

// Call sends one request of the given op against poolID, decoding the
// reply payload into out (ignored if nil, e.g. for STOP). Whenever a reply
// was received, the returned LeaderHint is the one it carried, even on a
// handler error, so a caller driving a
// rechoose loop (spec.md §4.2's not-leader redirect) can act on it without
// a second round trip.
func (c *Client) Call(op Op, poolID types.UUID, req, out interface{}) (types.LeaderHint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.enc.Encode(Header{Op: op, PoolID: poolID}); err != nil {
		return types.LeaderHint{}, fmt.Errorf("rpcsvc: send header: %w", err)
	}
	if req != nil {
		if err := c.enc.Encode(req); err != nil {
			return types.LeaderHint{}, fmt.Errorf("rpcsvc: send request: %w", err)
		}
	}

	var reply Reply
	if err := c.dec.Decode(&reply); err != nil {
		return types.LeaderHint{}, fmt.Errorf("rpcsvc: receive reply: %w", err)
	}
	if reply.ErrMsg != "" {
		kerr := types.NewError(types.Kind(reply.ErrKind), reply.ErrMsg)
		kerr.RequiredSize = reply.ReqSize
		return reply.Hint, kerr
	}
	if out != nil && len(reply.Payload) > 0 {
		if err := gob.NewDecoder(bytes.NewReader(reply.Payload)).Decode(out); err != nil {
			return reply.Hint, fmt.Errorf("rpcsvc: decode reply payload: %w", err)
		}
	}
	return reply.Hint, nil
}
