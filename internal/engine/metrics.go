package engine

import "time"

// GetExecutionMetrics 对执行历史做一次全量聚合。历史长度受
// max_history 约束，重算成本有界，换来与账本必然一致的口径。
func (e *Engine) GetExecutionMetrics() Metrics {
	e.mu.RLock()
	defer e.mu.RUnlock()

	metrics := Metrics{
		QualityDistribution: make(map[Quality]int),
	}
	metrics.TotalOrders = len(e.history)
	if metrics.TotalOrders == 0 {
		return metrics
	}

	var (
		filledCount   int
		slippageSum   float64
		vwapSum       float64
		execTimeSum   time.Duration
		measuredCount int
	)

	for _, res := range e.history {
		metrics.TotalFees += res.TotalFees

		if res.TotalQuantity <= 0 {
			continue
		}
		filledCount++
		slippageSum += res.SlippageBps
		vwapSum += res.VWAPDeviationBps
		execTimeSum += res.ExecutionTime
		measuredCount++

		if res.Quality != "" {
			metrics.QualityDistribution[res.Quality]++
		}
	}

	metrics.FillRate = float64(filledCount) / float64(metrics.TotalOrders)
	if measuredCount > 0 {
		metrics.AverageSlippageBps = slippageSum / float64(measuredCount)
		metrics.VWAPPerformanceBps = vwapSum / float64(measuredCount)
		metrics.AverageExecutionTime = execTimeSum / time.Duration(measuredCount)
	}

	return metrics
}
