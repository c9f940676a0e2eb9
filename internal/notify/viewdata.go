package notify

import (
	"fmt"
	"time"

	"github.com/hyperasset/sentinel/internal/events"
)

const isoTimestamp = "2006-01-02T15:04:05Z07:00"

// buildViewData converts a typed event payload plus the recipient's stock
// name into the flat, always-fully-populated struct its template renders.
// Every optional field is defaulted to "N/A" here rather than relying on
// html/text-template's missingkey behavior, so totality (spec §6: "every
// referenced field is either present... or substituted with N/A") holds
// regardless of what the template file references.
func buildViewData(ev events.Event, stockName string, now time.Time) (interface{}, error) {
	timestamp := now.UTC().Format(isoTimestamp)

	switch payload := ev.Payload.(type) {
	case events.NewsData:
		return newsView{
			StockCode: ev.StockCode, StockName: orNA(stockName),
			Title: orNA(payload.Title), URL: orNA(payload.URL), Source: orNA(payload.Source),
			PublishedAt: orNA(payload.PublishedAt), ImpactScore: fmt.Sprintf("%.2f", payload.ImpactScore),
			Reasoning: orNA(payload.Reasoning), Timestamp: timestamp,
		}, nil

	case events.DisclosureData:
		return disclosureView{
			StockCode: ev.StockCode, StockName: orNA(stockName),
			ReportName: orNA(payload.ReportName), Filer: orNA(payload.Filer), ReceiptDate: orNA(payload.ReceiptDate),
			SentimentLabel: orNA(payload.SentimentLabel), SentimentReason: orNA(payload.SentimentReason),
			ExpectedImpact: orNA(payload.ExpectedImpact), HorizonTag: orNA(payload.HorizonTag),
			ImpactScore: fmt.Sprintf("%.2f", payload.ImpactScore), Timestamp: timestamp,
		}, nil

	case events.ChartData:
		v := chartView{
			StockCode: ev.StockCode, StockName: orNA(stockName), Condition: orNA(payload.Condition),
			ClosePrice: fmt.Sprintf("%.2f", payload.ClosePrice), Volume: fmt.Sprintf("%d", payload.Volume),
			MA5: fmt.Sprintf("%.2f", payload.MA5), MA20: fmt.Sprintf("%.2f", payload.MA20),
			RSI: fmt.Sprintf("%.2f", payload.RSI), BBUpper: fmt.Sprintf("%.2f", payload.BBUpper),
			BBLower: fmt.Sprintf("%.2f", payload.BBLower), MACD: fmt.Sprintf("%.2f", payload.MACD),
			Timestamp: timestamp,
		}
		if payload.PastCase != nil {
			v.HasPastCase = true
			v.PastCaseDate = payload.PastCase.Date
			v.PastCaseReturn = fmt.Sprintf("%.2f%%", payload.PastCase.RealizedReturn*100)
		}
		return v, nil

	case events.FlowData:
		return flowView{
			StockCode: ev.StockCode, StockName: orNA(stockName),
			InstBuyDays: fmt.Sprintf("%d", payload.InstBuyDays), ProgVolume: fmt.Sprintf("%d", payload.ProgVolume),
			ProgRatio: fmt.Sprintf("%.2f", payload.ProgRatio), Timestamp: timestamp,
		}, nil

	case events.ReportData:
		return reportView{
			StockCode: ev.StockCode, StockName: orNA(stockName),
			WeekStart: orNA(payload.WeekStart), WeekEnd: orNA(payload.WeekEnd),
			Summary: orNA(payload.Summary), Timestamp: timestamp,
		}, nil

	case events.SystemData:
		return systemView{Message: orNA(payload.Message), Timestamp: timestamp}, nil

	case events.ErrorData:
		return errorView{Service: orNA(payload.Service), Message: orNA(payload.Message), Timestamp: timestamp}, nil

	default:
		return nil, fmt.Errorf("unrecognized event payload type %T for kind %q", ev.Payload, ev.Kind)
	}
}

type newsView struct {
	StockCode, StockName, Title, URL, Source, PublishedAt, ImpactScore, Reasoning, Timestamp string
}

type disclosureView struct {
	StockCode, StockName, ReportName, Filer, ReceiptDate                string
	SentimentLabel, SentimentReason, ExpectedImpact, HorizonTag         string
	ImpactScore, Timestamp                                              string
}

type chartView struct {
	StockCode, StockName, Condition                         string
	ClosePrice, Volume, MA5, MA20, RSI, BBUpper, BBLower, MACD string
	HasPastCase                                              bool
	PastCaseDate, PastCaseReturn                             string
	Timestamp                                                string
}

type flowView struct {
	StockCode, StockName, InstBuyDays, ProgVolume, ProgRatio, Timestamp string
}

type reportView struct {
	StockCode, StockName, WeekStart, WeekEnd, Summary, Timestamp string
}

type systemView struct {
	Message, Timestamp string
}

type errorView struct {
	Service, Message, Timestamp string
}
