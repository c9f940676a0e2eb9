package chart

import "github.com/markcheno/go-talib"

const (
	ma5Period        = 5
	ma20Period       = 20
	bbPeriod         = 20
	bbDeviation      = 2.0
	rsiPeriod        = 14
	macdFastPeriod   = 12
	macdSlowPeriod   = 26
	macdSignalPeriod = 9
	volumeMAPeriod   = 5
	rollingHLPeriod  = 20

	// bootstrapObservations is the minimum series length before MACD (the
	// slowest-to-warm-up indicator at 26+9 periods) is considered stable
	// enough for condition firing.
	bootstrapObservations = 26
)

// indicatorSeries holds the full recomputed indicator arrays for a
// stock's rolling close/volume window, one value per observation,
// aligned by index with the input series.
type indicatorSeries struct {
	ma5        []float64
	ma20       []float64
	bbUpper    []float64
	bbMiddle   []float64
	bbLower    []float64
	rsi        []float64
	macd       []float64
	macdSignal []float64
	volumeMA5  []float64
	high20     []float64
	low20      []float64
}

// computeIndicators recomputes every indicator over the full window on
// each tick. This is O(window) per tick rather than incremental, but the
// window is capped (maxWindow) and go-talib's arrays are cheap enough
// that recomputation is simpler and less error-prone than maintaining
// separate incremental accumulators for five different indicators.
func computeIndicators(closes, volumes []float64) indicatorSeries {
	n := len(closes)

	ma5 := nanFill(talib.Sma(closes, ma5Period))
	ma20 := nanFill(talib.Sma(closes, ma20Period))
	bbUpper, bbMiddle, bbLower := talib.BBands(closes, bbPeriod, bbDeviation, bbDeviation, talib.SMA)
	rsi := nanFill(talib.Rsi(closes, rsiPeriod))
	macd, macdSignal, _ := talib.Macd(closes, macdFastPeriod, macdSlowPeriod, macdSignalPeriod)
	volumeMA5 := nanFill(talib.Sma(volumes, volumeMAPeriod))

	high20 := make([]float64, n)
	low20 := make([]float64, n)
	for i := 0; i < n; i++ {
		h, l := rollingHighLow(closes, i, rollingHLPeriod)
		high20[i] = h
		low20[i] = l
	}

	return indicatorSeries{
		ma5:        ma5,
		ma20:       ma20,
		bbUpper:    nanFill(bbUpper),
		bbMiddle:   nanFill(bbMiddle),
		bbLower:    nanFill(bbLower),
		rsi:        rsi,
		macd:       nanFill(macd),
		macdSignal: nanFill(macdSignal),
		volumeMA5:  volumeMA5,
		high20:     high20,
		low20:      low20,
	}
}

// at builds the snapshot for observation index i.
func (s indicatorSeries) at(i int, closes, volumes []float64) snapshot {
	return snapshot{
		Close:      closes[i],
		Volume:     volumes[i],
		MA5:        s.ma5[i],
		MA20:       s.ma20[i],
		BBUpper:    s.bbUpper[i],
		BBMiddle:   s.bbMiddle[i],
		BBLower:    s.bbLower[i],
		RSI:        s.rsi[i],
		MACD:       s.macd[i],
		MACDSignal: s.macdSignal[i],
		VolumeMA5:  s.volumeMA5[i],
		High20:     s.high20[i],
		Low20:      s.low20[i],
	}
}

// rollingHighLow returns the max/min close over the rollingHLPeriod
// observations strictly before index i, so the support/resistance-break
// comparison at i is meaningful rather than tautologically true.
func rollingHighLow(closes []float64, i, period int) (high, low float64) {
	start := i - period
	if start < 0 {
		start = 0
	}
	end := i // exclusive of i itself
	if end <= start {
		return closes[i], closes[i]
	}

	high, low = closes[start], closes[start]
	for j := start + 1; j < end; j++ {
		if closes[j] > high {
			high = closes[j]
		}
		if closes[j] < low {
			low = closes[j]
		}
	}
	return high, low
}

// nanFill applies spec's bootstrap NaN-handling order: forward-fill, then
// back-fill, then zero-fill, so every comparison downstream operates on a
// well-defined float.
func nanFill(in []float64) []float64 {
	out := make([]float64, len(in))
	copy(out, in)

	var last float64
	haveLast := false
	for i := range out {
		if isNaN(out[i]) {
			if haveLast {
				out[i] = last
			}
			continue
		}
		last = out[i]
		haveLast = true
	}

	haveNext := false
	var next float64
	for i := len(out) - 1; i >= 0; i-- {
		if isNaN(out[i]) {
			if haveNext {
				out[i] = next
			} else {
				out[i] = 0
			}
			continue
		}
		next = out[i]
		haveNext = true
	}

	return out
}

func isNaN(f float64) bool {
	return f != f
}
