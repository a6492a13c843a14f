package topology

import "time"

// AgentInfo is the cached record of one monitored host. WorkerID names the
// worker currently tracking it; it is empty once that worker has been
// destroyed and until another worker reports the agent.
type AgentInfo struct {
	ID       string    `json:"parid" msgpack:"parid"`
	Host     string    `json:"host" msgpack:"host"`
	Cluster  string    `json:"cluster" msgpack:"cluster"`
	WorkerID string    `json:"madid" msgpack:"madid"`
	LastSeen time.Time `json:"lastseen" msgpack:"lastseen"`
}

// owned reports whether a live worker tracks the agent.
func (a *AgentInfo) owned() bool {
	return a != nil && a.WorkerID != ""
}

// WorkerInfo describes one worker handler.
type WorkerInfo struct {
	ID          string    `json:"madid" msgpack:"madid"`
	Host        string    `json:"host" msgpack:"host"`
	Port        int       `json:"port" msgpack:"port"`
	Reachable   bool      `json:"reachable" msgpack:"reachable"`
	PeerVersion uint32    `json:"version" msgpack:"version"`
	LastChgMsec int64     `json:"lastchgmsec" msgpack:"lastchgmsec"`
	LastSeen    time.Time `json:"lastseen" msgpack:"lastseen"`
}

type agentEntry struct {
	ID      string `json:"parid"`
	Host    string `json:"host"`
	Cluster string `json:"cluster"`
}

type agentListResponse struct {
	NMad        *int64       `json:"nmad"`
	HostState   []agentEntry `json:"hoststate"`
	LastChgMsec int64        `json:"lastchgmsec"`
}

type workerEntry struct {
	ID      string `json:"madid"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	NAgents int64  `json:"npartha"`
}

type workerListResponse struct {
	NMad        *int64        `json:"nmad"`
	WorkerList  []workerEntry `json:"madhavalist"`
	LastChgMsec int64         `json:"lastchgmsec"`
}

// emptyListing reports a listing that explicitly carries no entries.
func emptyListing(nmad *int64) bool {
	return nmad != nil && *nmad == 0
}
