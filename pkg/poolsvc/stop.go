package poolsvc

import "github.com/poolfabric/poolsvc/pkg/types"

// StopHandler implements the STOP RPC: drains in-flight handlers, drops the
// rebuild bookkeeping this replica was keeping as leader, and tears the
// instance down to DOWN. Unlike the other handlers, it does not take a leader
// reference of its own — it waits for every existing one to drain.
func (s *Service) StopHandler() (types.LeaderHint, error) {
	hint := s.db.LeaderHint()
	if s.State() == StateDown {
		return hint, nil
	}

	s.Drain()
	s.reb.LeaderStop(s.PoolID)
	s.Stop()

	s.log.Info().Msg("pool service instance stop requested")
	return hint, nil
}
