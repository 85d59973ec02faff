package common

// VoteReason is the reason a follower gives for a negative vote
type VoteReason string

const (
	// VoteHighCPULoad the leader is running with much higher cpu load than the voter
	VoteHighCPULoad VoteReason = `HighCPULoad`
	// VoteHighMemoryUsage the leader uses much more memory than the voter
	VoteHighMemoryUsage VoteReason = `HighMemoryUsage`
	// VoteNetworkCongestion the voter has much more bandwidth than the leader
	VoteNetworkCongestion VoteReason = `NetworkCongestion`
	// VoteHighLatency the leader answers much slower than the voter
	VoteHighLatency VoteReason = `HighLatency`
)

func (v VoteReason) String() string {
	return string(v)
}
