package wire

// ConnectionPayload is the handshake ack sent once a session is registered.
type ConnectionPayload struct {
	ClientID          string   `json:"client_id"`
	ServerVersion     string   `json:"server_version"`
	Services          []string `json:"services"`
	AvailableChannels []string `json:"available_channels"`
}

// SubscriptionPayload acknowledges a subscribe or unsubscribe command.
type SubscriptionPayload struct {
	Status string   `json:"status"` // subscribed | unsubscribed
	Events []string `json:"events"`
}

// PriceItem is one quoted instrument inside a price update.
type PriceItem struct {
	Symbol        string  `json:"symbol"`
	CurrentPrice  float64 `json:"current_price"`
	Change        float64 `json:"change"`
	ChangePercent float64 `json:"change_percent"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	Volume        int64   `json:"volume"`
}

// PriceUpdatePayload carries a batch of quotes for one market channel.
type PriceUpdatePayload struct {
	Items       []PriceItem `json:"items"`
	MarketState string      `json:"market_state"`
	Count       int         `json:"count"`
}

// FXItem is one currency pair inside an fx update.
type FXItem struct {
	Pair   string  `json:"pair"`
	Rate   float64 `json:"rate"`
	Change float64 `json:"change"`
}

// FXUpdatePayload carries a batch of currency rates.
type FXUpdatePayload struct {
	Items       []FXItem `json:"items"`
	MarketState string   `json:"market_state"`
	Count       int      `json:"count"`
}

// NewsItem is one headline inside a news update.
type NewsItem struct {
	ID          string   `json:"id"`
	Headline    string   `json:"headline"`
	Summary     string   `json:"summary"`
	Symbols     []string `json:"symbols"`
	PublishedAt string   `json:"published_at"`
}

// NewsUpdatePayload carries a batch of headlines.
type NewsUpdatePayload struct {
	Items       []NewsItem `json:"items"`
	MarketState string     `json:"market_state"`
	Count       int        `json:"count"`
}

// MarketInfo describes the trading state of one market.
type MarketInfo struct {
	MarketCode string `json:"market_code"`
	Status     string `json:"status"` // open | closed | pre_market | after_hours
	Timezone   string `json:"timezone"`
}

// MarketStatusPayload carries the state of every tracked market.
type MarketStatusPayload struct {
	Markets []MarketInfo `json:"markets"`
}

// AISignal is one generated trading signal.
type AISignal struct {
	ID           string  `json:"id"`
	Symbol       string  `json:"symbol"`
	SignalType   string  `json:"signal_type"` // BUY | SELL | HOLD
	Confidence   float64 `json:"confidence"`  // [0,1]
	Strength     string  `json:"strength"`
	CurrentPrice float64 `json:"current_price"`
	Reasoning    string  `json:"reasoning"`
}

// AISignalsPayload carries a batch of generated signals.
type AISignalsPayload struct {
	Signals []AISignal `json:"signals"`
}

// HeartbeatPayload is the periodic liveness frame.
type HeartbeatPayload struct {
	ServerTime        string `json:"server_time"`
	ActiveConnections int    `json:"active_connections"`
}

// PriceQuotePayload answers a get_current_price command.
type PriceQuotePayload struct {
	Symbol       string  `json:"symbol"`
	CurrentPrice float64 `json:"current_price"`
	MarketState  string  `json:"market_state"`
}

// ErrorPayload is the structured error reply.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongPayload answers a ping command.
type PongPayload struct {
	ServerTime string `json:"server_time"`
}

// SubscribeCommand is the payload of subscribe and unsubscribe commands.
type SubscribeCommand struct {
	Events []string `json:"events"`
}

// GetPriceCommand is the payload of a get_current_price command.
type GetPriceCommand struct {
	Symbol string `json:"symbol"`
}
