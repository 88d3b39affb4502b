// Package impact 提供纯函数的市场冲击估算。模拟器与路由器共用同一组
// 函数，同一快照同一输入必然得到完全一致的结果。
package impact

import (
	"exec-engine/internal/book"
)

// Estimate 为一次深度消耗估算的结果。
type Estimate struct {
	// AvgPrice 为吃完 size 后的预期成交均价。
	AvgPrice float64 `json:"avg_price"`
	// ImpactBps 为均价相对中价的偏移，单位基点，恒为非负。
	ImpactBps float64 `json:"impact_bps"`
	// Cost 为预期成交总额（含外推部分）。
	Cost float64 `json:"cost"`
	// VisibleFilled 为可见深度内能吃到的量。
	VisibleFilled float64 `json:"visible_filled"`
	// Extrapolated 表示请求量超出可见深度，剩余部分按线性外推
	// 计价。外推是饱和近似而非硬错误，调用方必须感知。
	Extrapolated bool `json:"extrapolated"`
}

// Walk 沿对手盘按价格优先顺序消耗 size，最后一档按比例部分消耗。
// 超出可见深度的剩余量以最后一档到中价的距离为斜率线性外推计价。
// 纯函数，不持有任何状态。
func Walk(snap *book.Snapshot, side book.Side, size float64) Estimate {
	if snap == nil || size <= 0 {
		return Estimate{}
	}

	levels := snap.Opposing(side)
	mid := snap.MidPrice

	remaining := size
	var notional, filled float64
	var lastPrice float64

	for _, level := range levels {
		if remaining <= 0 {
			break
		}
		take := level.Volume
		if take > remaining {
			take = remaining
		}
		notional += take * level.Price
		filled += take
		remaining -= take
		lastPrice = level.Price
	}

	est := Estimate{VisibleFilled: filled}

	if remaining > 0 {
		est.Extrapolated = true
		extraPrice := extrapolatedPrice(side, mid, lastPrice)
		notional += remaining * extraPrice
		filled += remaining
	}

	if filled <= 0 {
		return est
	}

	est.AvgPrice = notional / filled
	est.Cost = notional

	if mid > 0 {
		if side == book.SideBuy {
			est.ImpactBps = (est.AvgPrice - mid) / mid * 10000
		} else {
			est.ImpactBps = (mid - est.AvgPrice) / mid * 10000
		}
		if est.ImpactBps < 0 {
			est.ImpactBps = 0
		}
	}

	return est
}

// extrapolatedPrice 给出超出可见深度部分的计价。以最后可见档位到
// 中价的距离再推一倍作为线性延伸；完全无对手盘时退化为中价。
func extrapolatedPrice(side book.Side, mid, lastPrice float64) float64 {
	if lastPrice <= 0 {
		if mid > 0 {
			return mid
		}
		return 0
	}
	if mid <= 0 {
		return lastPrice
	}
	if side == book.SideBuy {
		return lastPrice + (lastPrice - mid)
	}
	price := lastPrice - (mid - lastPrice)
	if price <= 0 {
		price = lastPrice
	}
	return price
}

// EstimateSlippageBps 估算吃掉 size 的滑点（基点）。
func EstimateSlippageBps(snap *book.Snapshot, side book.Side, size float64) Estimate {
	return Walk(snap, side, size)
}

// EstimateCost 估算吃掉 size 的预期总成交额。快照缺失时可传入
// priceHint 作为中性参考价兜底。
func EstimateCost(snap *book.Snapshot, side book.Side, size float64, priceHint float64) Estimate {
	if size <= 0 {
		return Estimate{}
	}
	if snap == nil || len(snap.Opposing(side)) == 0 {
		if priceHint <= 0 {
			return Estimate{Extrapolated: true}
		}
		return Estimate{
			AvgPrice:     priceHint,
			Cost:         priceHint * size,
			Extrapolated: true,
		}
	}
	return Walk(snap, side, size)
}
