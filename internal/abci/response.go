package abci

import "github.com/sedly-project/sedly/pkg/block"

// Response codes for CheckTx, DeliverTx and Query. Codespace accompanies
// every non-zero code and is empty on success.
const (
	CodeOK                uint32 = 0
	CodeInvalidTx         uint32 = 1
	CodeDecodeError       uint32 = 2
	CodeNoBlockInProgress uint32 = 3
	CodeMalformedQuery    uint32 = 4
	CodeUnknownQueryPath  uint32 = 5
)

// Codespace namespaces this application's non-zero response codes.
const Codespace = "sedly"

// Event is a single typed annotation attached to a state-machine response,
// mirroring the event shape a Tendermint-style ABCI driver expects.
type Event struct {
	Type       string
	Attributes map[string]string
}

// CheckTxResponse is returned by CheckTx. GasWanted/GasUsed both equal the
// encoded transaction size; there is no separate gas metering.
type CheckTxResponse struct {
	Code      uint32
	Log       string
	GasWanted uint64
	GasUsed   uint64
	Events    []Event
	Codespace string
}

// DeliverTxResponse is returned by DeliverTx. Data carries the accepted
// transaction's hash.
type DeliverTxResponse struct {
	Code      uint32
	Data      []byte
	Log       string
	GasWanted uint64
	GasUsed   uint64
	Events    []Event
	Codespace string
}

// BeginBlockResponse is returned by BeginBlock.
type BeginBlockResponse struct {
	Events []Event
}

// EndBlockResponse is returned by EndBlock. ValidatorUpdates is always
// empty: this chain has no validator set to update.
type EndBlockResponse struct {
	ValidatorUpdates []byte
	Events           []Event
}

// CommitResponse is returned by Commit. Block carries the full sealed
// block for in-process callers that need more than the hash; Data and
// RetainHeight mirror the external commit response shape.
type CommitResponse struct {
	Data         []byte
	RetainHeight uint64
	Block        *block.Block
}

// QueryResponse is returned by Query.
type QueryResponse struct {
	Code      uint32
	Key       []byte
	Value     []byte
	Height    uint64
	Codespace string
}
