package poolsvc

import (
	"github.com/poolfabric/poolsvc/pkg/rdb"
	"github.com/poolfabric/poolsvc/pkg/schema"
	"github.com/poolfabric/poolsvc/pkg/types"
)

// AttrSetRequest sets one user-defined pool attribute.
type AttrSetRequest struct {
	Name  string
	Value []byte
}

// AttrSet implements ATTR_SET.
func (s *Service) AttrSet(req AttrSetRequest) (types.LeaderHint, error) {
	term, hint, err := s.AcquireLeaderRef()
	if err != nil {
		return hint, err
	}
	defer s.ReleaseLeaderRef()

	if req.Name == "" {
		return hint, types.NewError(types.KindInval, "attribute name must not be empty")
	}

	tx, err := s.db.Begin(term)
	if err != nil {
		return hint, err
	}
	schema.PutAttr(tx, req.Name, req.Value)
	if err := tx.Commit(); err != nil {
		return hint, err
	}
	return hint, nil
}

// AttrGetRequest reads one user-defined pool attribute.
type AttrGetRequest struct {
	Name string
}

// AttrGetReply carries the attribute's current value.
type AttrGetReply struct {
	Value []byte
	Hint  types.LeaderHint
}

// AttrGet implements ATTR_GET.
func (s *Service) AttrGet(req AttrGetRequest) (AttrGetReply, error) {
	_, hint, err := s.AcquireLeaderRef()
	if err != nil {
		return AttrGetReply{Hint: hint}, err
	}
	defer s.ReleaseLeaderRef()

	var val []byte
	err = s.db.View(func(v *rdb.ViewTx) error {
		val, err = schema.GetAttr(v, req.Name)
		return err
	})
	if err != nil {
		return AttrGetReply{Hint: hint}, err
	}
	return AttrGetReply{Value: val, Hint: hint}, nil
}

// AttrDeleteRequest removes one user-defined pool attribute.
type AttrDeleteRequest struct {
	Name string
}

// AttrDelete removes one user-defined attribute. Exposed as its own RPC
// (OpAttrDelete) rather than a nil-value ATTR_SET, an Open Question
// resolution recorded in DESIGN.md: the wire opcode list already carries a
// dedicated ATTR_DELETE, so there is no ambiguous nil-value encoding to
// parse on the request path.
func (s *Service) AttrDelete(req AttrDeleteRequest) (types.LeaderHint, error) {
	term, hint, err := s.AcquireLeaderRef()
	if err != nil {
		return hint, err
	}
	defer s.ReleaseLeaderRef()

	tx, err := s.db.Begin(term)
	if err != nil {
		return hint, err
	}
	schema.DeleteAttr(tx, req.Name)
	if err := tx.Commit(); err != nil {
		return hint, err
	}
	return hint, nil
}

// AttrListReply carries every user-defined attribute name currently set.
type AttrListReply struct {
	Names []string
	Hint  types.LeaderHint
}

// AttrList implements ATTR_LIST.
func (s *Service) AttrList() (AttrListReply, error) {
	_, hint, err := s.AcquireLeaderRef()
	if err != nil {
		return AttrListReply{Hint: hint}, err
	}
	defer s.ReleaseLeaderRef()

	var names []string
	err = s.db.View(func(v *rdb.ViewTx) error {
		names, err = schema.ListAttrs(v)
		return err
	})
	if err != nil {
		return AttrListReply{Hint: hint}, err
	}
	return AttrListReply{Names: names, Hint: hint}, nil
}
