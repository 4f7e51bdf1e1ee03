package bpx

type markPriceEntry struct {
	Symbol    string `json:"symbol"`
	MarkPrice string `json:"markPrice"`
}

type marketEntry struct {
	Symbol  string `json:"symbol"`
	Filters struct {
		Price struct {
			TickSize string `json:"tickSize"`
		} `json:"price"`
		Quantity struct {
			StepSize string `json:"stepSize"`
		} `json:"quantity"`
	} `json:"filters"`
}

type orderResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type positionEntry struct {
	Symbol              string `json:"symbol"`
	NetQuantity         string `json:"netQuantity"`
	EntryPrice          string `json:"entryPrice"`
	MarkPrice           string `json:"markPrice"`
	EstLiquidationPrice string `json:"estLiquidationPrice"`
}

type collateralResponse struct {
	Collateral []collateralItem `json:"collateral"`
}

type collateralItem struct {
	Symbol            string `json:"symbol"`
	AvailableQuantity string `json:"availableQuantity"`
}
