package report

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/fieldline-erp/fieldline/internal/invoicing"
)

const invoiceTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Invoice {{.Invoice.Number}}</title>
<style>
body { font-family: Helvetica, Arial, sans-serif; font-size: 12px; color: #222; }
h1 { font-size: 20px; margin-bottom: 0; }
.meta { margin: 12px 0 24px 0; color: #555; }
table { width: 100%; border-collapse: collapse; }
th, td { padding: 6px 8px; border-bottom: 1px solid #ddd; text-align: right; }
th:first-child, td:first-child { text-align: left; }
tfoot td { border-bottom: none; font-weight: bold; }
.badge { display: inline-block; padding: 2px 8px; border: 1px solid #888; border-radius: 3px; font-size: 11px; }
</style>
</head>
<body>
<h1>{{.Company}}</h1>
<div class="meta">
<div>Invoice <strong>{{.Invoice.Number}}</strong> &mdash; <span class="badge">{{.Invoice.PaymentStatus}}</span></div>
<div>Issued {{.IssuedAt}}</div>
<div>Customer #{{.Invoice.CustomerID}} &middot; Hub #{{.Invoice.HubID}}</div>
</div>
<table>
<thead>
<tr><th>Product</th><th>Batch</th><th>Qty</th><th>Unit Price</th><th>Discount</th><th>Tax</th><th>Line Total</th></tr>
</thead>
<tbody>
{{range .Invoice.Lines}}
<tr>
<td>#{{.ProductID}}</td>
<td>{{.BatchCode}}</td>
<td>{{.Qty}}</td>
<td>{{money .UnitPrice}}</td>
<td>{{money .DiscountAmount}}</td>
<td>{{money .TaxAmount}}</td>
<td>{{money .LineTotal}}</td>
</tr>
{{end}}
</tbody>
<tfoot>
<tr><td colspan="6">Subtotal</td><td>{{money .Invoice.Subtotal}}</td></tr>
<tr><td colspan="6">Tax</td><td>{{money .Invoice.TaxTotal}}</td></tr>
<tr><td colspan="6">Total</td><td>{{money .Invoice.TotalAmount}}</td></tr>
<tr><td colspan="6">Paid</td><td>{{money .Invoice.PaidAmount}}</td></tr>
<tr><td colspan="6">Outstanding</td><td>{{money .Outstanding}}</td></tr>
</tfoot>
</table>
</body>
</html>`

// InvoiceRenderer produces PDF copies of issued invoices through Gotenberg.
type InvoiceRenderer struct {
	client  *Client
	company string
	printer *message.Printer
	tmpl    *template.Template
}

// NewInvoiceRenderer builds a renderer for the given company name.
func NewInvoiceRenderer(client *Client, company string) *InvoiceRenderer {
	printer := message.NewPrinter(language.English)
	r := &InvoiceRenderer{
		client:  client,
		company: company,
		printer: printer,
	}
	r.tmpl = template.Must(template.New("invoice").
		Funcs(template.FuncMap{"money": r.money}).
		Parse(invoiceTemplate))
	return r
}

func (r *InvoiceRenderer) money(d decimal.Decimal) string {
	return r.printer.Sprintf("%.2f", d.InexactFloat64())
}

// HTML renders the invoice document body without converting it to PDF.
func (r *InvoiceRenderer) HTML(inv invoicing.Invoice) (string, error) {
	data := struct {
		Company     string
		Invoice     invoicing.Invoice
		IssuedAt    string
		Outstanding decimal.Decimal
	}{
		Company:     r.company,
		Invoice:     inv,
		IssuedAt:    inv.IssuedAt.Format(time.RFC1123),
		Outstanding: inv.Outstanding(),
	}
	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render invoice %s: %w", inv.Number, err)
	}
	return buf.String(), nil
}

// RenderInvoice converts an invoice into a PDF document.
func (r *InvoiceRenderer) RenderInvoice(ctx context.Context, inv invoicing.Invoice) ([]byte, error) {
	html, err := r.HTML(inv)
	if err != nil {
		return nil, err
	}
	return r.client.RenderHTML(ctx, html)
}
