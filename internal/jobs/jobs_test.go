package jobs

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"marketfetch/internal/clock"
	"marketfetch/internal/config"
	"marketfetch/internal/coordinator"
	"marketfetch/internal/metrics"
)

// fakeAPI serves canned responses by path. Paths without a route return 404.
type fakeAPI struct {
	mu     sync.Mutex
	routes map[string]string
	status map[string]int
	hits   map[string]int
}

func newFakeAPI(routes map[string]string) *fakeAPI {
	return &fakeAPI{routes: routes, status: map[string]int{}, hits: map[string]int{}}
}

func (a *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	a.hits[r.URL.Path]++
	body, ok := a.routes[r.URL.Path]
	status := a.status[r.URL.Path]
	a.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(body))
}

func (a *fakeAPI) hitCount(path string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hits[path]
}

func testEnv(t *testing.T, api *fakeAPI) (*Env, *clock.Fake) {
	t.Helper()

	server := httptest.NewServer(api)
	t.Cleanup(server.Close)

	cfg := &config.Config{
		OutputDir:   t.TempDir(),
		HTTPTimeout: 5 * time.Second,
		Workers:     1,
		Retry:       config.RetryConfig{MaxAttempts: 3, BackoffStep: 10 * time.Second},
		DefiLlama: config.DefiLlamaConfig{
			APIConfig: config.APIConfig{BaseURL: server.URL, RequestsPerMinute: 40, PacingDelay: 800 * time.Millisecond},
		},
		CoinGecko: config.CoinGeckoConfig{
			APIConfig:        config.APIConfig{BaseURL: server.URL, RequestsPerMinute: 30, PacingDelay: 1250 * time.Millisecond},
			VsCurrency:       "usd",
			Coins:            []string{"bitcoin", "ethereum"},
			Days:             90,
			MarketPages:      1,
			TopN:             2,
			BTCPriceFallback: 30000,
			ChartWorkers:     2,
		},
		Dune: config.DuneConfig{
			APIConfig:    config.APIConfig{BaseURL: server.URL},
			APIKey:       "test_dune_key",
			QueryIDs:     []string{"11", "12"},
			PollInterval: 5 * time.Second,
			MaxPolls:     10,
		},
	}

	fake := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewEnv(cfg, fake, metrics.New(), zerolog.Nop()), fake
}

func readOutput(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile(%s) error = %v", path, err)
	}
	return string(data)
}

func TestNames(t *testing.T) {
	got := strings.Join(Names(), ",")
	expected := "btc-eth,categories,cex-volume,chain-tvl,dex-volume,dune,movers"
	if got != expected {
		t.Errorf("Names() = %s, want %s", got, expected)
	}
}

func TestRun_UnknownJob(t *testing.T) {
	env, _ := testEnv(t, newFakeAPI(nil))

	_, err := Run(context.Background(), "stocks", env)
	if err == nil || !strings.Contains(err.Error(), `unknown job "stocks"`) {
		t.Errorf("Run() error = %v, want unknown job", err)
	}
}

func TestRun_DuneRequiresConfig(t *testing.T) {
	env, _ := testEnv(t, newFakeAPI(nil))
	env.Config.Dune.APIKey = ""

	_, err := Run(context.Background(), Dune, env)
	if err == nil || !strings.Contains(err.Error(), "DUNE_API_KEY") {
		t.Errorf("Run() error = %v, want missing DUNE_API_KEY", err)
	}
}

func TestChainTVL_Partial(t *testing.T) {
	api := newFakeAPI(map[string]string{
		"/v2/chains":                        `[{"name":"Ethereum"},{"name":"Broken"},{"name":"OP Mainnet"}]`,
		"/v2/historicalChainTvl/Ethereum":   `[{"date":1704067200,"tvl":100},{"date":1704153600,"tvl":110}]`,
		"/v2/historicalChainTvl/OP Mainnet": `[{"date":1704067200,"tvl":5}]`,
	})
	api.status["/v2/historicalChainTvl/Broken"] = http.StatusInternalServerError
	env, _ := testEnv(t, api)

	summary, err := Run(context.Background(), ChainTVL, env)
	if err != nil {
		t.Fatalf("Run() returned unexpected error: %v", err)
	}

	if summary.Status != coordinator.StatusPartial {
		t.Errorf("Status = %q, want %q", summary.Status, coordinator.StatusPartial)
	}
	if summary.Succeeded != 2 || summary.Failed != 1 || summary.Rows != 3 {
		t.Errorf("Summary = %+v, want 2 succeeded, 1 failed, 3 rows", summary)
	}

	expected := "Chain,Date,TVL (USD)\n" +
		"Ethereum,2024-01-01,100\n" +
		"Ethereum,2024-01-02,110\n" +
		"OP Mainnet,2024-01-01,5\n"
	if got := readOutput(t, summary.Output); got != expected {
		t.Errorf("output = %q, want %q", got, expected)
	}
	if filepath.Base(summary.Output) != "Chain_TVL.csv" {
		t.Errorf("Output = %s, want Chain_TVL.csv", summary.Output)
	}
}

func TestChainTVL_ConfiguredChains(t *testing.T) {
	api := newFakeAPI(map[string]string{
		"/v2/historicalChainTvl/Arbitrum": `[{"date":1704067200,"tvl":7}]`,
	})
	env, _ := testEnv(t, api)
	env.Config.DefiLlama.Chains = []string{"Arbitrum"}

	summary, err := Run(context.Background(), ChainTVL, env)
	if err != nil {
		t.Fatalf("Run() returned unexpected error: %v", err)
	}

	if api.hitCount("/v2/chains") != 0 {
		t.Error("chain list was requested although chains are configured")
	}
	if summary.Rows != 1 {
		t.Errorf("Rows = %d, want 1", summary.Rows)
	}
}

func TestChainTVL_NoSuccess(t *testing.T) {
	api := newFakeAPI(map[string]string{"/v2/chains": `[{"name":"A"},{"name":"B"}]`})
	env, _ := testEnv(t, api)

	summary, err := Run(context.Background(), ChainTVL, env)
	if !errors.Is(err, coordinator.ErrNoSuccess) {
		t.Fatalf("Run() error = %v, want ErrNoSuccess", err)
	}
	if summary == nil || summary.Status != coordinator.StatusEmpty {
		t.Fatalf("Summary = %+v, want empty status", summary)
	}
	if got := readOutput(t, summary.Output); got != "Chain,Date,TVL (USD)\n" {
		t.Errorf("output = %q, want header only", got)
	}
}

func TestChainTVL_ChainListFails(t *testing.T) {
	api := newFakeAPI(nil)
	api.status["/v2/chains"] = http.StatusServiceUnavailable
	env, _ := testEnv(t, api)

	_, err := Run(context.Background(), ChainTVL, env)
	if err == nil || errors.Is(err, coordinator.ErrNoSuccess) {
		t.Fatalf("Run() error = %v, want a setup error", err)
	}
	if !strings.Contains(err.Error(), "failed to fetch chain list") {
		t.Errorf("Run() error = %v, want chain list failure", err)
	}
	if _, statErr := os.Stat(filepath.Join(env.Config.OutputDir, "Chain_TVL.csv")); !os.IsNotExist(statErr) {
		t.Error("output written although the target list could not be built")
	}
}

func TestChainTVL_PacingAndRateLimit(t *testing.T) {
	api := newFakeAPI(map[string]string{
		"/v2/historicalChainTvl/A": `[]`,
		"/v2/historicalChainTvl/B": `[]`,
		"/v2/historicalChainTvl/C": `[]`,
	})
	env, fake := testEnv(t, api)
	env.Config.DefiLlama.Chains = []string{"A", "B", "C"}

	if _, err := Run(context.Background(), ChainTVL, env); err != nil {
		t.Fatalf("Run() returned unexpected error: %v", err)
	}

	// 40 requests per minute spaces requests 1.5s apart; pacing covers 0.8s of it.
	if got := fake.Elapsed(); got < 3*time.Second {
		t.Errorf("Elapsed() = %v, want >= 3s", got)
	}
}

func TestDexVolume(t *testing.T) {
	api := newFakeAPI(map[string]string{
		"/overview/dexs": `{"protocols":[
			{"name":"Small","chains":["Base"],"category":"Dexs","total24h":10.4,"total7d":70,"total30d":300,"change_1d":1,"change_7d":2,"change_1m":3},
			{"name":"Big","chains":["Ethereum","Arbitrum"],"category":"Dexs","total24h":1000.6,"total7d":7000,"total30d":30000,"change_1d":-1.005,"change_7d":0,"change_1m":12.3456}
		]}`,
	})
	env, _ := testEnv(t, api)

	summary, err := Run(context.Background(), DexVolume, env)
	if err != nil {
		t.Fatalf("Run() returned unexpected error: %v", err)
	}

	expected := "name,chains,category,total24h,total7d,total30d,change_1d,change_7d,change_1m\n" +
		"Big,\"Ethereum, Arbitrum\",Dexs,1001,7000,30000,-1.01,0,12.35\n" +
		"Small,Base,Dexs,10,70,300,1,2,3\n"
	if got := readOutput(t, summary.Output); got != expected {
		t.Errorf("output = %q, want %q", got, expected)
	}
}

func TestMovers(t *testing.T) {
	api := newFakeAPI(map[string]string{
		"/coins/markets": `[
			{"id":"a","symbol":"a","name":"A","current_price":1,"price_change_percentage_24h_in_currency":5},
			{"id":"b","symbol":"b","name":"B","current_price":2,"price_change_percentage_24h_in_currency":-7},
			{"id":"c","symbol":"c","name":"C","current_price":3,"price_change_percentage_24h_in_currency":9},
			{"id":"d","symbol":"d","name":"D","current_price":4}
		]`,
	})
	env, _ := testEnv(t, api)

	summary, err := Run(context.Background(), Movers, env)
	if err != nil {
		t.Fatalf("Run() returned unexpected error: %v", err)
	}

	header := "id,symbol,name,current_price,price_change_percentage_24h_in_currency\n"
	expected := "Top 2 Gainers (24h)\n" + header + "c,c,C,3,9\na,a,A,1,5\n" +
		"\nTop 2 Losers (24h)\n" + header + "b,b,B,2,-7\na,a,A,1,5\n"
	if got := readOutput(t, summary.Output); got != expected {
		t.Errorf("output = %q, want %q", got, expected)
	}
	if summary.Rows != 4 {
		t.Errorf("Rows = %d, want 4", summary.Rows)
	}
}

func TestBTCETH(t *testing.T) {
	chart := `{"prices":[[1704067200000,100],[1704153600000,101],[1704240000000,99]]}`
	api := newFakeAPI(map[string]string{
		"/coins/bitcoin/market_chart":  chart,
		"/coins/ethereum/market_chart": chart,
		"/coins/markets":               `[{"id":"bitcoin","current_price":99}]`,
	})
	env, _ := testEnv(t, api)

	summary, err := Run(context.Background(), BTCETH, env)
	if err != nil {
		t.Fatalf("Run() returned unexpected error: %v", err)
	}

	if summary.Rows != 6 {
		t.Errorf("Rows = %d, want 6", summary.Rows)
	}

	lines := strings.Split(strings.TrimSpace(readOutput(t, summary.Output)), "\n")
	if lines[0] != "timestamp,price,MA_50,MA_30,RSI_14,coin" {
		t.Errorf("header = %q", lines[0])
	}
	if lines[1] != "2024-01-01 00:00:00,100,,,,bitcoin" || lines[4] != "2024-01-01 00:00:00,100,,,,ethereum" {
		t.Errorf("rows are not in coin order: %v", lines[1:])
	}
	if api.hitCount("/coins/markets") != 2 {
		t.Errorf("summary requests = %d, want 2", api.hitCount("/coins/markets"))
	}
}

func TestCEXVolume_LivePrice(t *testing.T) {
	api := newFakeAPI(map[string]string{
		"/simple/price": `{"bitcoin":{"usd":50000}}`,
		"/exchanges": `[
			{"name":"Small","trade_volume_24h_btc":1000,"trust_score":7,"year_established":2019,"country":"Japan"},
			{"name":"Big","trade_volume_24h_btc":100000,"year_established":2017}
		]`,
	})
	env, _ := testEnv(t, api)

	summary, err := Run(context.Background(), CEXVolume, env)
	if err != nil {
		t.Fatalf("Run() returned unexpected error: %v", err)
	}

	expected := "Exchange,24h Volume (B USD),Trust Score,Founded Year,Country\n" +
		"Big,5,0,2017,Unknown\n" +
		"Small,0.05,7,2019,Japan\n"
	if got := readOutput(t, summary.Output); got != expected {
		t.Errorf("output = %q, want %q", got, expected)
	}
}

func TestCEXVolume_FallbackPrice(t *testing.T) {
	api := newFakeAPI(map[string]string{
		"/exchanges": `[{"name":"Big","trade_volume_24h_btc":100000}]`,
	})
	env, _ := testEnv(t, api)

	summary, err := Run(context.Background(), CEXVolume, env)
	if err != nil {
		t.Fatalf("Run() returned unexpected error: %v", err)
	}

	if got := readOutput(t, summary.Output); !strings.Contains(got, "Big,3,0,0,Unknown\n") {
		t.Errorf("output = %q, want volume at the 30000 fallback price", got)
	}
}

func TestCategories(t *testing.T) {
	var entries []string
	for i := 0; i < 12; i++ {
		entries = append(entries, `{"name":"C`+string(rune('a'+i))+`","market_cap":`+string(rune('1'+i%9))+`00.5,"volume_24h":1,"market_cap_change_24h":0.123}`)
	}
	api := newFakeAPI(map[string]string{"/coins/categories": "[" + strings.Join(entries, ",") + "]"})
	env, _ := testEnv(t, api)

	summary, err := Run(context.Background(), Categories, env)
	if err != nil {
		t.Fatalf("Run() returned unexpected error: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(readOutput(t, summary.Output)), "\n")
	if len(lines) != 11 {
		t.Fatalf("lines = %d, want header + 10", len(lines))
	}
	if lines[0] != "Category,Market Cap,24h Volume,24h % Change" {
		t.Errorf("header = %q", lines[0])
	}
	if lines[1] != "Ci,901,1,0.12" {
		t.Errorf("first row = %q, want %q", lines[1], "Ci,901,1,0.12")
	}
}

func TestDune(t *testing.T) {
	api := newFakeAPI(map[string]string{
		"/query/11/execute":      `{"execution_id":"E11"}`,
		"/query/12/execute":      `{"execution_id":"E12"}`,
		"/execution/E11/status":  `{"state":"QUERY_STATE_COMPLETED"}`,
		"/execution/E12/status":  `{"state":"QUERY_STATE_FAILED"}`,
		"/execution/E11/results": `{"result":{"rows":[{"day":"2024-01-11","btc":1.5}],"metadata":{"column_names":["day","btc"]}}}`,
	})
	env, _ := testEnv(t, api)

	summary, err := Run(context.Background(), Dune, env)
	if err != nil {
		t.Fatalf("Run() returned unexpected error: %v", err)
	}

	if summary.Status != coordinator.StatusPartial {
		t.Errorf("Status = %q, want %q", summary.Status, coordinator.StatusPartial)
	}

	expected := "day,btc,QueryID\n2024-01-11,1.5,11\n"
	if got := readOutput(t, summary.Output); got != expected {
		t.Errorf("output = %q, want %q", got, expected)
	}
	if api.hitCount("/execution/E12/results") != 0 {
		t.Error("results fetched for a failed query")
	}
}

func TestRun_RecordsMetrics(t *testing.T) {
	api := newFakeAPI(map[string]string{"/coins/categories": `[{"name":"A","market_cap":1,"volume_24h":1,"market_cap_change_24h":1}]`})
	env, _ := testEnv(t, api)

	if _, err := Run(context.Background(), Categories, env); err != nil {
		t.Fatalf("Run() returned unexpected error: %v", err)
	}

	count, err := testutil.GatherAndCount(env.Metrics.Registry(), "marketfetch_requests_total", "marketfetch_batch_rows")
	if err != nil {
		t.Fatalf("GatherAndCount() error = %v", err)
	}
	if count != 2 {
		t.Errorf("series = %d, want 2", count)
	}
}
