package poolsvc

import (
	"github.com/poolfabric/poolsvc/pkg/broadcast"
	"github.com/poolfabric/poolsvc/pkg/poolmap"
)

// bulkMapBuffer returns the map's packed buffer for a CONNECT/QUERY reply,
// routed through broadcast.BulkPut so an undersized client buffer (bufSize
// > 0) fails with KindTrunc and the required size instead of silently
// handing back more than the caller allocated for (spec.md §4.4 step 6,
// scenario S5). bufSize == 0 means the caller didn't report a buffer
// capacity; the full map buffer is returned unchecked.
func bulkMapBuffer(m *poolmap.Map, bufSize int) ([]byte, error) {
	if bufSize <= 0 {
		return poolmap.ExtractBuffer(m)
	}
	dst := make([]byte, bufSize)
	written, _, err := broadcast.BulkPut(m, dst)
	if err != nil {
		return nil, err
	}
	return dst[:written], nil
}
