package poolmap

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/poolfabric/poolsvc/pkg/types"
)

// Wire layout: a 16-byte header followed by the domain array, the node
// array, then the target array, each field little-endian and unpadded.
// Build and ExtractBuffer are exact inverses of each other so that
// ExtractBuffer(Build(b)) == b byte-for-byte for any well-formed b.
const (
	headerSize = 4 * 4
	domainSize = 4 + 4 + 1 + 4 + 4 // Ordinal, ChildNr, Status, Version, Fseq
	nodeSize   = 4 + 4 + 4 + 4 + 4 // Rank, DomainIdx, TargetNr, Version, Fseq
	targetSize = 4 + 4 + 1 + 4 + 4 // ID, NodeIdx, Status, Version, Fseq
)

// BufferSize returns the exact packed-buffer size for a map with the given
// component counts, so callers can preallocate.
func BufferSize(nDomains, nNodes, nTargets int) int {
	return headerSize + nDomains*domainSize + nNodes*nodeSize + nTargets*targetSize
}

// Build parses a packed component buffer into a Map, validating parent
// references and target contiguity. version overrides the map's version iff
// the caller reads a version separately from the buffer's own header field;
// in normal use version equals the header field and both are redundant.
func Build(buf []byte, version uint32) (*Map, error) {
	if len(buf) < headerSize {
		return nil, types.NewError(types.KindInval, "pool map buffer shorter than header")
	}
	r := bytes.NewReader(buf)

	var hdr struct {
		Version   uint32
		NDomains  uint32
		NNodes    uint32
		NTargets  uint32
	}
	if err := binary.Read(r, binary.LittleEndian, &hdr.Version); err != nil {
		return nil, types.WrapError(types.KindInval, "read pool map header", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &hdr.NDomains); err != nil {
		return nil, types.WrapError(types.KindInval, "read pool map header", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &hdr.NNodes); err != nil {
		return nil, types.WrapError(types.KindInval, "read pool map header", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &hdr.NTargets); err != nil {
		return nil, types.WrapError(types.KindInval, "read pool map header", err)
	}

	want := BufferSize(int(hdr.NDomains), int(hdr.NNodes), int(hdr.NTargets))
	if len(buf) != want {
		return nil, types.NewError(types.KindInval, fmt.Sprintf("pool map buffer size %d, want %d", len(buf), want))
	}

	domains := make([]Domain, hdr.NDomains)
	for i := range domains {
		var status uint8
		d := &domains[i]
		if err := binary.Read(r, binary.LittleEndian, &d.Ordinal); err != nil {
			return nil, types.WrapError(types.KindInval, "read domain", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &d.ChildNr); err != nil {
			return nil, types.WrapError(types.KindInval, "read domain", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &status); err != nil {
			return nil, types.WrapError(types.KindInval, "read domain", err)
		}
		d.Status = status
		if err := binary.Read(r, binary.LittleEndian, &d.Version); err != nil {
			return nil, types.WrapError(types.KindInval, "read domain", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &d.Fseq); err != nil {
			return nil, types.WrapError(types.KindInval, "read domain", err)
		}
	}

	nodes := make([]Node, hdr.NNodes)
	for i := range nodes {
		n := &nodes[i]
		if err := binary.Read(r, binary.LittleEndian, &n.Rank); err != nil {
			return nil, types.WrapError(types.KindInval, "read node", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &n.DomainIdx); err != nil {
			return nil, types.WrapError(types.KindInval, "read node", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &n.TargetNr); err != nil {
			return nil, types.WrapError(types.KindInval, "read node", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &n.Version); err != nil {
			return nil, types.WrapError(types.KindInval, "read node", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &n.Fseq); err != nil {
			return nil, types.WrapError(types.KindInval, "read node", err)
		}
		if n.DomainIdx >= hdr.NDomains {
			return nil, types.NewError(types.KindInval, "node parent domain index out of range")
		}
	}

	targets := make([]Target, hdr.NTargets)
	for i := range targets {
		var status uint8
		t := &targets[i]
		if err := binary.Read(r, binary.LittleEndian, &t.ID); err != nil {
			return nil, types.WrapError(types.KindInval, "read target", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &t.NodeIdx); err != nil {
			return nil, types.WrapError(types.KindInval, "read target", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &status); err != nil {
			return nil, types.WrapError(types.KindInval, "read target", err)
		}
		t.Status = types.TargetStatus(status)
		if err := binary.Read(r, binary.LittleEndian, &t.Version); err != nil {
			return nil, types.WrapError(types.KindInval, "read target", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &t.Fseq); err != nil {
			return nil, types.WrapError(types.KindInval, "read target", err)
		}
		if t.NodeIdx >= hdr.NNodes {
			return nil, types.NewError(types.KindInval, "target parent node index out of range")
		}
	}

	targetBase := make([]int, len(nodes))
	targetByID := make(map[uint32]int, len(targets))
	nextBase := 0
	for ni := range nodes {
		targetBase[ni] = nextBase
		owned := 0
		for ti := nextBase; ti < len(targets) && targets[ti].NodeIdx == uint32(ni); ti++ {
			owned++
		}
		if uint32(owned) != nodes[ni].TargetNr {
			return nil, types.NewError(types.KindInval, fmt.Sprintf("node %d owns %d targets, declares %d", ni, owned, nodes[ni].TargetNr))
		}
		nextBase += owned
	}
	if nextBase != len(targets) {
		return nil, types.NewError(types.KindInval, "targets not grouped contiguously by owning node")
	}
	for ti, t := range targets {
		if _, dup := targetByID[t.ID]; dup {
			return nil, types.NewError(types.KindInval, fmt.Sprintf("duplicate target id %d", t.ID))
		}
		targetByID[t.ID] = ti
	}

	v := hdr.Version
	if version != 0 {
		v = version
	}

	return &Map{
		version:    v,
		domains:    domains,
		nodes:      nodes,
		targets:    targets,
		targetBase: targetBase,
		targetByID: targetByID,
	}, nil
}

// ExtractBuffer serializes m back into its packed wire form.
func ExtractBuffer(m *Map) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, BufferSize(len(m.domains), len(m.nodes), len(m.targets))))

	binary.Write(buf, binary.LittleEndian, m.version)
	binary.Write(buf, binary.LittleEndian, uint32(len(m.domains)))
	binary.Write(buf, binary.LittleEndian, uint32(len(m.nodes)))
	binary.Write(buf, binary.LittleEndian, uint32(len(m.targets)))

	for _, d := range m.domains {
		binary.Write(buf, binary.LittleEndian, d.Ordinal)
		binary.Write(buf, binary.LittleEndian, d.ChildNr)
		binary.Write(buf, binary.LittleEndian, d.Status)
		binary.Write(buf, binary.LittleEndian, d.Version)
		binary.Write(buf, binary.LittleEndian, d.Fseq)
	}
	for _, n := range m.nodes {
		binary.Write(buf, binary.LittleEndian, n.Rank)
		binary.Write(buf, binary.LittleEndian, n.DomainIdx)
		binary.Write(buf, binary.LittleEndian, n.TargetNr)
		binary.Write(buf, binary.LittleEndian, n.Version)
		binary.Write(buf, binary.LittleEndian, n.Fseq)
	}
	for _, t := range m.targets {
		binary.Write(buf, binary.LittleEndian, t.ID)
		binary.Write(buf, binary.LittleEndian, t.NodeIdx)
		binary.Write(buf, binary.LittleEndian, uint8(t.Status))
		binary.Write(buf, binary.LittleEndian, t.Version)
		binary.Write(buf, binary.LittleEndian, t.Fseq)
	}

	return buf.Bytes(), nil
}

// DomainSpec and NodeSpec describe the desired initial topology for
// NewInitial; they are not part of the wire format.
type DomainSpec struct {
	Nodes []NodeSpec
}

type NodeSpec struct {
	Rank     uint32
	TargetNr uint32
}

// NewInitial builds a version-1 map from a declared domain/node topology,
// assigning target ids densely starting at 1, in domain-then-node-then-
// target order. Used by the CREATE handler to seed a new pool's map.
func NewInitial(domains []DomainSpec) (*Map, error) {
	var outDomains []Domain
	var outNodes []Node
	var outTargets []Target
	targetBase := make([]int, 0)
	targetByID := make(map[uint32]int)

	nextTargetID := uint32(1)
	for di, ds := range domains {
		outDomains = append(outDomains, Domain{
			Ordinal: uint32(di),
			ChildNr: uint32(len(ds.Nodes)),
			Status:  0,
			Version: 1,
			Fseq:    0,
		})
		for _, ns := range ds.Nodes {
			ni := len(outNodes)
			outNodes = append(outNodes, Node{
				Rank:      ns.Rank,
				DomainIdx: uint32(di),
				TargetNr:  ns.TargetNr,
				Version:   1,
				Fseq:      0,
			})
			targetBase = append(targetBase, len(outTargets))
			for t := uint32(0); t < ns.TargetNr; t++ {
				id := nextTargetID
				nextTargetID++
				targetByID[id] = len(outTargets)
				outTargets = append(outTargets, Target{
					ID:      id,
					NodeIdx: uint32(ni),
					Status:  types.TargetUpIn,
					Version: 1,
					Fseq:    0,
				})
			}
		}
	}

	if len(outNodes) == 0 {
		return nil, types.NewError(types.KindInval, "pool must have at least one node")
	}

	return &Map{
		version:    1,
		domains:    outDomains,
		nodes:      outNodes,
		targets:    outTargets,
		targetBase: targetBase,
		targetByID: targetByID,
	}, nil
}
