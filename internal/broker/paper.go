package broker

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"
)

const (
	defaultContractSize = 100000.0
	defaultSpreadPips   = 1.5
	maxStoredTicks      = 500
	maxStoredBars       = 5000
)

// PaperBroker is an in-memory venue used in paper mode and in tests. Prices are
// derived from per-currency USD index values, so pairs sharing a currency move
// together the way live FX does.
type PaperBroker struct {
	mu           sync.RWMutex
	connected    bool
	balance      float64
	currency     string
	contractSize float64
	spreadPips   map[string]float64
	index        map[string]float64
	symbols      map[string]bool
	bars         map[string][]Bar
	ticks        map[string][]Tick
	positions    map[int64]*Position
	profitPinned map[int64]bool
	rejections   map[string]string
	closed       []Position
	nextTicket   int64
	now          func() time.Time
}

// NewPaperBroker creates a paper broker with the given balance in USD
func NewPaperBroker(initialBalance float64) *PaperBroker {
	return &PaperBroker{
		connected:    true,
		balance:      initialBalance,
		currency:     "USD",
		contractSize: defaultContractSize,
		spreadPips:   make(map[string]float64),
		index:        map[string]float64{"USD": 1},
		symbols:      make(map[string]bool),
		bars:         make(map[string][]Bar),
		ticks:        make(map[string][]Tick),
		positions:    make(map[int64]*Position),
		profitPinned: make(map[int64]bool),
		rejections:   make(map[string]string),
		nextTicket:   100000,
		now:          time.Now,
	}
}

// SetClock overrides the time source
func (p *PaperBroker) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// SetBalance overrides the account balance
func (p *PaperBroker) SetBalance(balance float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balance = balance
}

// SetConnected flips the session state
func (p *PaperBroker) SetConnected(connected bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = connected
}

// SetCurrencyValue sets the USD value of one unit of currency. Quotes of every
// registered symbol that uses the currency move with it.
func (p *PaperBroker) SetCurrencyValue(currency string, usdValue float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.index[currency] = usdValue
	p.refreshPnLLocked()
}

// AddSymbol registers a tradable symbol with a spread in pips
func (p *PaperBroker) AddSymbol(symbol string, spreadPips float64) error {
	base, quote, err := SplitSymbol(symbol)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.index[base]; !ok {
		return fmt.Errorf("no value for currency %s", base)
	}
	if _, ok := p.index[quote]; !ok {
		return fmt.Errorf("no value for currency %s", quote)
	}
	s := base + quote
	p.symbols[s] = true
	if spreadPips <= 0 {
		spreadPips = defaultSpreadPips
	}
	p.spreadPips[s] = spreadPips
	return nil
}

// SetBars replaces the bar history of a symbol
func (p *PaperBroker) SetBars(symbol string, bars []Bar) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bars[NormalizeSymbol(symbol)] = append([]Bar(nil), bars...)
}

// SetTicks replaces the recent ticks of a symbol
func (p *PaperBroker) SetTicks(symbol string, ticks []Tick) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ticks[NormalizeSymbol(symbol)] = append([]Tick(nil), ticks...)
}

// RejectOrders makes every order on symbol fail with reason; an empty reason clears it
func (p *PaperBroker) RejectOrders(symbol, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if reason == "" {
		delete(p.rejections, NormalizeSymbol(symbol))
		return
	}
	p.rejections[NormalizeSymbol(symbol)] = reason
}

// OpenPosition opens a position on behalf of an upstream system (arbitrage
// detector or manual trade) at the current quote.
func (p *PaperBroker) OpenPosition(symbol string, dir Direction, volume float64, magic int, comment string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.openLocked(symbol, dir, volume, magic, comment)
}

// SetProfit pins the floating P&L of a ticket, overriding quote-derived P&L
func (p *PaperBroker) SetProfit(ticket int64, profit float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[ticket]
	if !ok {
		return ErrPositionNotFound
	}
	pos.Profit = profit
	p.profitPinned[ticket] = true
	return nil
}

// RemovePosition drops a ticket without realizing P&L, simulating a close
// made outside the engine.
func (p *PaperBroker) RemovePosition(ticket int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.positions, ticket)
	delete(p.profitPinned, ticket)
}

// ClosedPositions returns the positions closed through ClosePosition
func (p *PaperBroker) ClosedPositions() []Position {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Position(nil), p.closed...)
}

// Step advances the simulated market by one bar. Each currency moves by a
// shared USD factor plus its own noise.
func (p *PaperBroker) Step(rng *rand.Rand, timeframe Timeframe, volatility float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	usdFactor := rng.NormFloat64() * volatility
	for ccy, v := range p.index {
		if ccy == "USD" {
			continue
		}
		move := usdFactor + rng.NormFloat64()*volatility*0.5
		p.index[ccy] = v * math.Exp(move)
	}

	now := p.now()
	for s := range p.symbols {
		tick := p.quoteLocked(s, now)
		bars := p.bars[s]
		open := tick.Mid()
		if n := len(bars); n > 0 {
			open = bars[n-1].Close
		}
		bars = append(bars, Bar{
			Time:  now.Truncate(timeframe.Duration()),
			Open:  open,
			High:  math.Max(open, tick.Mid()),
			Low:   math.Min(open, tick.Mid()),
			Close: tick.Mid(),
		})
		if len(bars) > maxStoredBars {
			bars = bars[len(bars)-maxStoredBars:]
		}
		p.bars[s] = bars

		ticks := append(p.ticks[s], tick)
		if len(ticks) > maxStoredTicks {
			ticks = ticks[len(ticks)-maxStoredTicks:]
		}
		p.ticks[s] = ticks
	}
	p.refreshPnLLocked()
}

// Seed generates count bars of history ending at the current clock
func (p *PaperBroker) Seed(rng *rand.Rand, timeframe Timeframe, count int, volatility float64) {
	p.mu.Lock()
	start := p.now().Add(-time.Duration(count) * timeframe.Duration())
	realNow := p.now
	p.mu.Unlock()

	for i := 0; i < count; i++ {
		at := start.Add(time.Duration(i) * timeframe.Duration())
		p.SetClock(func() time.Time { return at })
		p.Step(rng, timeframe, volatility)
	}
	p.SetClock(realNow)
}

// RunFeed steps the market every interval until ctx is done
func (p *PaperBroker) RunFeed(ctx context.Context, interval time.Duration, timeframe Timeframe, volatility float64, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Step(rng, timeframe, volatility)
		}
	}
}

// ==================== Broker interface ====================

func (p *PaperBroker) Connect(ctx context.Context) error {
	p.SetConnected(true)
	return nil
}

func (p *PaperBroker) Disconnect(ctx context.Context) error {
	p.SetConnected(false)
	return nil
}

func (p *PaperBroker) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

func (p *PaperBroker) GetAccountState(ctx context.Context) (*Account, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.connected {
		return nil, ErrNotConnected
	}

	floating := 0.0
	for _, pos := range p.positions {
		floating += pos.Profit
	}
	return &Account{
		Balance:     p.balance,
		Equity:      p.balance + floating,
		MarginLevel: 0,
		Currency:    p.currency,
	}, nil
}

func (p *PaperBroker) GetOpenPositions(ctx context.Context) ([]Position, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.connected {
		return nil, ErrNotConnected
	}

	positions := make([]Position, 0, len(p.positions))
	for _, pos := range p.positions {
		positions = append(positions, *pos)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Ticket < positions[j].Ticket })
	return positions, nil
}

func (p *PaperBroker) GetHistoricalPrices(ctx context.Context, symbol string, timeframe Timeframe, count int) ([]Bar, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.connected {
		return nil, ErrNotConnected
	}

	bars := p.bars[NormalizeSymbol(symbol)]
	if count > 0 && len(bars) > count {
		bars = bars[len(bars)-count:]
	}
	return append([]Bar(nil), bars...), nil
}

func (p *PaperBroker) GetRecentTicks(ctx context.Context, symbol string, count int) ([]Tick, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.connected {
		return nil, ErrNotConnected
	}

	s := NormalizeSymbol(symbol)
	ticks := p.ticks[s]
	if len(ticks) == 0 && p.symbols[s] {
		ticks = []Tick{p.quoteLocked(s, p.now())}
	}
	if count > 0 && len(ticks) > count {
		ticks = ticks[len(ticks)-count:]
	}
	return append([]Tick(nil), ticks...), nil
}

func (p *PaperBroker) PlaceOrder(ctx context.Context, req OrderRequest) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return 0, ErrNotConnected
	}
	if reason, ok := p.rejections[NormalizeSymbol(req.Symbol)]; ok {
		return 0, &RejectedError{Symbol: req.Symbol, Reason: reason}
	}
	if req.Volume <= 0 || !req.Direction.Valid() {
		return 0, &RejectedError{Symbol: req.Symbol, Reason: "invalid volume or direction"}
	}
	return p.openLocked(req.Symbol, req.Direction, req.Volume, req.Magic, req.Comment)
}

func (p *PaperBroker) ClosePosition(ctx context.Context, ticket int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return ErrNotConnected
	}
	pos, ok := p.positions[ticket]
	if !ok {
		return ErrPositionNotFound
	}

	p.balance += pos.Profit
	p.closed = append(p.closed, *pos)
	delete(p.positions, ticket)
	delete(p.profitPinned, ticket)
	return nil
}

// ==================== internals ====================

func (p *PaperBroker) openLocked(symbol string, dir Direction, volume float64, magic int, comment string) (int64, error) {
	s := NormalizeSymbol(symbol)
	if !p.symbols[s] {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}

	now := p.now()
	quote := p.quoteLocked(s, now)
	entry := quote.Ask
	if dir == Short {
		entry = quote.Bid
	}

	ticket := p.nextTicket
	p.nextTicket++
	p.positions[ticket] = &Position{
		Ticket:       ticket,
		Symbol:       s,
		Direction:    dir,
		EntryPrice:   entry,
		CurrentPrice: entry,
		Volume:       volume,
		OpenTime:     now,
		Magic:        magic,
		Comment:      comment,
	}
	p.refreshPnLLocked()
	return ticket, nil
}

func (p *PaperBroker) quoteLocked(symbol string, at time.Time) Tick {
	base, quote, _ := SplitSymbol(symbol)
	mid := p.index[base] / p.index[quote]
	half := p.spreadPips[symbol] * PipSize(symbol) / 2
	return Tick{Time: at, Bid: mid - half, Ask: mid + half}
}

// refreshPnLLocked marks every unpinned position to market in account currency
func (p *PaperBroker) refreshPnLLocked() {
	for ticket, pos := range p.positions {
		if p.profitPinned[ticket] || !p.symbols[pos.Symbol] {
			continue
		}
		q := p.quoteLocked(pos.Symbol, p.now())
		exit := q.Bid
		diff := exit - pos.EntryPrice
		if pos.Direction == Short {
			exit = q.Ask
			diff = pos.EntryPrice - exit
		}
		pos.CurrentPrice = exit

		_, quoteCcy, _ := SplitSymbol(pos.Symbol)
		pos.Profit = diff * pos.Volume * p.contractSize * p.index[quoteCcy]
	}
}
