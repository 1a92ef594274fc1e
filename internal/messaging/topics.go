package messaging

// Topic constants for the mining pool messaging system
const (
	TopicShareResults    = "mining.share_results"    // poold → analytics
	TopicBlockCandidates = "mining.block_candidates" // poold → blocksubmit
	TopicBlockResults    = "mining.block_results"    // blocksubmit → analytics
	TopicPayouts         = "mining.payouts"          // poold → accounting
	TopicPoolConfig      = "mining.pool_config"      // poold → monitor
)
