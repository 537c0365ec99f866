package feeds

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"testing"
	"time"

	"github.com/aluiziolira/stock-harvest/config"
	"github.com/aluiziolira/stock-harvest/models"
	"github.com/aluiziolira/stock-harvest/pipeline"
	"github.com/aluiziolira/stock-harvest/transport"
	"github.com/jarcoal/httpmock"
	"golang.org/x/text/encoding/unicode"
)

const kytaryFeed = `<?xml version="1.0" encoding="utf-8"?>
<VOPriceList xmlns="http://schemas.kytary.com/vo">
  <Items>
    <VOPriceListItem>
      <ProductCode>KY-100</ProductCode>
      <ProductName>Stolička; čierna</ProductName>
      <AvailableVolume>12.0</AvailableVolume>
      <InStock>true</InStock>
    </VOPriceListItem>
    <VOPriceListItem>
      <ProductCode>KY-200</ProductCode>
      <ProductName>Kábel &amp; adaptér</ProductName>
      <AvailableVolume>n/a</AvailableVolume>
      <InStock>false</InStock>
    </VOPriceListItem>
    <VOPriceListItem>
      <ProductCode> </ProductCode>
      <ProductName>Bez kódu</ProductName>
      <AvailableVolume>3</AvailableVolume>
    </VOPriceListItem>
  </Items>
</VOPriceList>`

const pmcFeed = `<?xml version="1.0" encoding="UTF-16"?>
<SHOP>
  <SHOP_ITEM>
    <ITEM_ID>PMC-1</ITEM_ID>
    <PRODUCTNAME>Struny Ernie Ball 2221</PRODUCTNAME>
    <EAN>0749699122211</EAN>
    <AVAILABILITY>25</AVAILABILITY>
  </SHOP_ITEM>
  <SHOP_ITEM>
    <ITEM_ID>PMC-2</ITEM_ID>
    <PRODUCTNAME>Trsátko Dunlop</PRODUCTNAME>
    <AVAILABILITY>0</AVAILABILITY>
  </SHOP_ITEM>
</SHOP>`

const muzikerFeed = "EAN,Code,StockQTY\n" +
	"8590000000011,MZ-STAND,4\n" +
	"8590000000028,\"MZ;CABLE\",2.5\n" +
	",MZ-NOEAN,9\n"

func encodeUTF16(t *testing.T, text string, order unicode.Endianness, bom unicode.BOMPolicy) []byte {
	t.Helper()
	out, err := unicode.UTF16(order, bom).NewEncoder().Bytes([]byte(text))
	if err != nil {
		t.Fatalf("encode utf-16: %v", err)
	}
	return out
}

func TestParseKytary(t *testing.T) {
	rows, err := ParseKytary([]byte(kytaryFeed))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := []models.ProductRecord{
		{SKU: "KY-100", Name: "Stolička, čierna", Quantity: 12},
		{SKU: "KY-200", Name: "Kábel & adaptér", Quantity: 0},
		{SKU: "", Name: "Bez kódu", Quantity: 3},
	}
	if !reflect.DeepEqual(rows, want) {
		t.Fatalf("rows = %+v, want %+v", rows, want)
	}
}

func TestParsePMCEncodings(t *testing.T) {
	want := []models.ProductRecord{
		{SKU: "PMC-1", Name: "Struny Ernie Ball 2221", Quantity: 25},
		{SKU: "PMC-2", Name: "Trsátko Dunlop", Quantity: 0},
	}
	cases := []struct {
		name string
		data []byte
	}{
		{"little endian with bom", encodeUTF16(t, pmcFeed, unicode.LittleEndian, unicode.UseBOM)},
		{"little endian without bom", encodeUTF16(t, pmcFeed, unicode.LittleEndian, unicode.IgnoreBOM)},
		{"big endian with bom", encodeUTF16(t, pmcFeed, unicode.BigEndian, unicode.UseBOM)},
		{"big endian without bom", encodeUTF16(t, pmcFeed, unicode.BigEndian, unicode.IgnoreBOM)},
		{"converted in transit", []byte("\ufeff" + pmcFeed)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rows, err := ParsePMC(tc.data)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if !reflect.DeepEqual(rows, want) {
				t.Fatalf("rows = %+v, want %+v", rows, want)
			}
		})
	}
}

func TestParseMuziker(t *testing.T) {
	rows, err := ParseMuziker([]byte("\ufeff" + muzikerFeed))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := []models.ProductRecord{
		{SKU: "8590000000011", Name: "MZ-STAND", Quantity: 4},
		{SKU: "8590000000028", Name: "MZ,CABLE", Quantity: 2},
		{SKU: "", Name: "MZ-NOEAN", Quantity: 9},
	}
	if !reflect.DeepEqual(rows, want) {
		t.Fatalf("rows = %+v, want %+v", rows, want)
	}
}

func TestParseMuzikerMissingColumn(t *testing.T) {
	if _, err := ParseMuziker([]byte("EAN,Qty\n1,2\n")); err == nil {
		t.Fatalf("expected error for missing columns")
	}
	rows, err := ParseMuziker(nil)
	if err != nil || len(rows) != 0 {
		t.Fatalf("empty feed: rows=%v err=%v", rows, err)
	}
}

func TestQuantity(t *testing.T) {
	cases := map[string]int{
		"":      0,
		"7":     7,
		"3.9":   3,
		"2,5":   2,
		" 10 ":  10,
		"-4":    -4,
		"lots":  0,
		"1e2":   100,
		"0.000": 0,
	}
	for in, want := range cases {
		if got := quantity(in); got != want {
			t.Fatalf("quantity(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestLookup(t *testing.T) {
	for _, name := range []string{"kytary", " PMC ", "Muziker"} {
		if _, ok := Lookup(name); !ok {
			t.Fatalf("lookup %q failed", name)
		}
	}
	if _, ok := Lookup("unknown"); ok {
		t.Fatalf("unknown feed found")
	}
	if got := Names(); !reflect.DeepEqual(got, []string{"kytary", "muziker", "pmc"}) {
		t.Fatalf("names = %v", got)
	}
}

func testFeedConfig(feed Feed) *config.Config {
	cfg := config.DefaultConfig()
	feed.Apply(cfg)
	cfg.RetryBackoff = time.Millisecond
	cfg.RetryBackoffMax = 5 * time.Millisecond
	return cfg
}

func TestHarvestRecordsFeedRows(t *testing.T) {
	feed, _ := Lookup("kytary")
	cfg := testFeedConfig(feed)
	cfg.SitemapURL = "http://feeds.test/kytary.xml"

	mock := httpmock.NewMockTransport()
	mock.RegisterResponder("GET", "http://feeds.test/kytary.xml", func(req *http.Request) (*http.Response, error) {
		if ua := req.Header.Get("User-Agent"); ua != feedUserAgent {
			t.Errorf("user agent = %q", ua)
		}
		return httpmock.NewStringResponse(http.StatusOK, kytaryFeed), nil
	})

	agg := pipeline.NewAggregator(cfg)
	snapshot, err := Harvest(context.Background(), cfg, feed, agg, transport.WithTransport(mock))
	if err != nil {
		t.Fatalf("harvest: %v", err)
	}

	if snapshot.Recorded != 2 || snapshot.Rejected != 1 || snapshot.RejectsByType["invalid_record"] != 1 {
		t.Fatalf("recorded=%d rejected=%d rejects=%v", snapshot.Recorded, snapshot.Rejected, snapshot.RejectsByType)
	}
	if !snapshot.Completed || snapshot.Remaining() != 0 || snapshot.Site != "kytary" {
		t.Fatalf("snapshot = %+v", snapshot)
	}
	want := []models.ProductRecord{
		{SKU: "KY-100", Name: "Stolička, čierna", Quantity: 12},
		{SKU: "KY-200", Name: "Kábel & adaptér", Quantity: 0},
	}
	if !reflect.DeepEqual(snapshot.Records, want) {
		t.Fatalf("records = %+v, want %+v", snapshot.Records, want)
	}
}

func TestHarvestPMCOverHTTP(t *testing.T) {
	feed, _ := Lookup("pmc")
	cfg := testFeedConfig(feed)

	body := encodeUTF16(t, pmcFeed, unicode.LittleEndian, unicode.UseBOM)
	mock := httpmock.NewMockTransport()
	mock.RegisterResponder("GET", feed.URL, func(req *http.Request) (*http.Response, error) {
		resp := httpmock.NewBytesResponse(http.StatusOK, body)
		resp.Header.Set("Content-Type", "text/xml; charset=utf-16")
		return resp, nil
	})

	agg := pipeline.NewAggregator(cfg)
	snapshot, err := Harvest(context.Background(), cfg, feed, agg, transport.WithTransport(mock))
	if err != nil {
		t.Fatalf("harvest: %v", err)
	}
	if snapshot.Recorded != 2 || snapshot.Records[0].Name != "Struny Ernie Ball 2221" {
		t.Fatalf("records = %+v", snapshot.Records)
	}
}

func TestHarvestRetriesThenFails(t *testing.T) {
	feed, _ := Lookup("muziker")
	cfg := testFeedConfig(feed)

	mock := httpmock.NewMockTransport()
	mock.RegisterResponder("GET", feed.URL, httpmock.NewStringResponder(http.StatusBadGateway, "down"))

	agg := pipeline.NewAggregator(cfg)
	_, err := Harvest(context.Background(), cfg, feed, agg, transport.WithTransport(mock))
	var server transport.ErrServer
	if !errors.As(err, &server) {
		t.Fatalf("err = %v, want ErrServer", err)
	}
	if got := mock.GetTotalCallCount(); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
	if agg.Len() != 0 {
		t.Fatalf("aggregator holds %d records after a failed download", agg.Len())
	}
}

func TestHarvestParseError(t *testing.T) {
	feed, _ := Lookup("kytary")
	cfg := testFeedConfig(feed)

	cfg.SitemapURL = "http://feeds.test/kytary.xml"

	mock := httpmock.NewMockTransport()
	mock.RegisterResponder("GET", cfg.SitemapURL, httpmock.NewStringResponder(http.StatusOK, "<VOPriceList><Items>"))

	_, err := Harvest(context.Background(), cfg, feed, pipeline.NewAggregator(cfg), transport.WithTransport(mock))
	if err == nil {
		t.Fatalf("expected parse error")
	}
}
