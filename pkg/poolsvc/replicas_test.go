package poolsvc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func cand(rank uint32, domain string) ReplicaCandidate {
	return ReplicaCandidate{Rank: rank, NodeID: "n", Addr: "a", FaultDomain: domain}
}

func TestSelectReplicasSkipsRankZeroWhenOthersExist(t *testing.T) {
	cands := []ReplicaCandidate{cand(0, "d1"), cand(1, "d1"), cand(2, "d1")}
	out := SelectReplicas(cands, 2)
	for _, c := range out {
		assert.NotEqual(t, uint32(0), c.Rank)
	}
}

func TestSelectReplicasKeepsRankZeroWhenSoleCandidate(t *testing.T) {
	cands := []ReplicaCandidate{cand(0, "d1")}
	out := SelectReplicas(cands, 1)
	assert.Len(t, out, 1)
	assert.Equal(t, uint32(0), out[0].Rank)
}

func TestSelectReplicasSpreadsAcrossDomains(t *testing.T) {
	cands := []ReplicaCandidate{
		cand(1, "d1"), cand(2, "d1"), cand(3, "d2"), cand(4, "d3"),
	}
	out := SelectReplicas(cands, 3)
	domains := map[string]bool{}
	for _, c := range out {
		domains[c.FaultDomain] = true
	}
	assert.Len(t, out, 3)
	assert.Len(t, domains, 3, "should pick one replica per distinct domain when possible")
}

func TestSelectReplicasFallsBackToInputOrderWhenTooFewDomains(t *testing.T) {
	cands := []ReplicaCandidate{cand(1, "d1"), cand(2, "d1"), cand(3, "d1")}
	out := SelectReplicas(cands, 2)
	assert.Len(t, out, 2)
	assert.Equal(t, uint32(1), out[0].Rank)
	assert.Equal(t, uint32(2), out[1].Rank)
}

func TestSelectReplicasReturnsAllWhenKExceedsCandidates(t *testing.T) {
	cands := []ReplicaCandidate{cand(1, "d1"), cand(2, "d2")}
	out := SelectReplicas(cands, 5)
	assert.Len(t, out, 2)
}
