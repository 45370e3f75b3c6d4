package jobs

import (
	jobmetrics "github.com/odyssey-erp/odyssey-accounts/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)
