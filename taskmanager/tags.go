package taskmanager

// Tag values for the four message alphabets the topology speaks. Each
// direction gets its own numeric range purely for readability when
// tracing a byte stream; the wire format doesn't require global
// uniqueness since master<->queue and queue<->worker run over distinct
// Channel instances.
const (
	// Master -> Queue (M2Q)
	tagM2QTerminate uint32 = 100 + iota
	tagM2QEnqueue
	tagM2QRetrieve
	tagM2QUpdateReal
	tagM2QSwitchWorkMode
	tagM2QCallDoubleConstMethod
)

const (
	// Queue -> Master (Q2M)
	tagQ2MRetrieveAccepted uint32 = 200 + iota
	tagQ2MRetrieveRejected
	// tagQ2MJobResultHeader precedes each job's result stream during a
	// retrieve_accepted reply: payload is just the job_id. The job's own
	// SendBackResultsFromQueueToMaster/ReceiveResultsOnMaster then drive
	// the channel directly using the job package's own tag range.
	tagQ2MJobResultHeader
	// tagQ2MCallDoubleConstMethodResult relays a worker's double-valued
	// reply back to the master, completing the call_double_const_method
	// handshake the queue brokers.
	tagQ2MCallDoubleConstMethodResult
	// tagQ2MWorkerFailed answers a retrieve that can never complete
	// because a worker pipe reported EOF/error with tasks still
	// outstanding; the master surfaces it as a fatal retrieve error.
	tagQ2MWorkerFailed
)

const (
	// Worker -> Queue (W2Q)
	tagW2QDequeue uint32 = 300 + iota
	tagW2QSendResult
	// tagW2QCallDoubleConstMethodResult is the worker's reply to
	// Q2W::call_double_const_method, relayed upward by the queue as
	// tagQ2MCallDoubleConstMethodResult.
	tagW2QCallDoubleConstMethodResult
)

const (
	// Queue -> Worker (Q2W)
	tagQ2WTerminate uint32 = 400 + iota
	tagQ2WDequeueAccepted
	tagQ2WDequeueRejected
	tagQ2WUpdateReal
	tagQ2WSwitchWorkMode
	tagQ2WCallDoubleConstMethod
	tagQ2WResultReceived
)
