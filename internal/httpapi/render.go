package httpapi

import (
	"bytes"
	"encoding/csv"
	"html/template"
	"strconv"

	"magsd/backend/internal/domain"
)

// invoiceHTMLTmpl renders a printable invoice. Names and emails are escaped
// by html/template.
var invoiceHTMLTmpl = template.Must(template.New("invoice").Parse(`<!doctype html>
<html>
<head>
  <meta charset="utf-8" />
  <title>Invoice {{.Sale.ID}}</title>
  <style>
    body { font-family: sans-serif; margin: 24px; }
    table { width: 100%; border-collapse: collapse; margin-top: 8px; }
    th, td { border: 1px solid #ddd; padding: 6px; font-size: 13px; }
    td.num { text-align: right; }
  </style>
</head>
<body>
  <h2>{{.ShopName}}</h2>
  <p>Invoice {{.Sale.ID}} | {{.Sale.CreatedAt.Format "2006-01-02 15:04"}} UTC</p>
  {{with .Customer}}<p>Customer: {{.}}</p>{{end}}
  <p>Payment: {{.Sale.PaymentMethod}} | Status: {{.Sale.Status}}</p>

  <table>
    <thead><tr><th>Item</th><th>Qty</th><th>Unit Price</th><th>Line Total</th></tr></thead>
    <tbody>{{range .Lines}}<tr><td>{{.Name}}</td><td class="num">{{.Quantity}}</td><td class="num">{{.UnitPrice.StringFixed 2}}</td><td class="num">{{.LineTotal.StringFixed 2}}</td></tr>{{end}}</tbody>
  </table>

  <p>Total: {{.Total.StringFixed 2}} | Refunded: {{.RefundedTotal.StringFixed 2}} | Net: {{.NetTotal.StringFixed 2}}</p>
  {{with .Sale.LayawayMonths}}<h3>Layaway</h3>
  <p>Months: {{.}}</p>{{end}}
  {{with .Sale.Downpayment}}<p>Downpayment: {{.StringFixed 2}}</p>{{end}}
  {{with .Sale.MonthlyPayment}}<p>Monthly payment: {{.StringFixed 2}}</p>{{end}}
  <p><small>Generated {{.GeneratedAt.Format "2006-01-02 15:04"}} ({{.Timezone}})</small></p>
</body>
</html>
`))

func invoiceHTML(invoice domain.Invoice) string {
	var buf bytes.Buffer
	if err := invoiceHTMLTmpl.Execute(&buf, invoice); err != nil {
		return "<!doctype html><html><body><p>Invoice rendering error.</p></body></html>"
	}
	return buf.String()
}

var inventoryCSVHeader = []string{
	"item_id", "name", "total_quantity", "reserved_quantity", "available_quantity",
	"unit_price", "value", "needs_restock",
}

func inventoryReportCSV(report domain.InventoryReport) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(inventoryCSVHeader); err != nil {
		return nil, err
	}
	for _, line := range report.Items {
		record := []string{
			line.ItemID,
			line.Name,
			strconv.Itoa(line.Total),
			strconv.Itoa(line.Reserved),
			strconv.Itoa(line.Available),
			line.UnitPrice.StringFixed(2),
			line.Value.StringFixed(2),
			strconv.FormatBool(line.NeedsRestock),
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	if err := w.Write([]string{"", "grand_total", "", "", "", "", report.GrandTotal.StringFixed(2), ""}); err != nil {
		return nil, err
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}
