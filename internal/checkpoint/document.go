package checkpoint

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"sort"

	"github.com/JakeFAU/snipewatch/internal/auction"
)

// FormatVersion is written on the root element of every snapshot.
const FormatVersion = "0101"

const (
	xmlHeader = "<?xml version=\"1.0\"?>\n\n"
	docType   = `<!DOCTYPE auctions SYSTEM "http://www.jbidwatcher.com/auctions.dtd">`
)

type document struct {
	XMLName  xml.Name        `xml:"jbidwatcher"`
	Format   string          `xml:"format,attr"`
	Auctions auctionsElement `xml:"auctions"`
	Deleted  *deletedElement `xml:"deleted,omitempty"`
}

type auctionsElement struct {
	Count   int             `xml:"count,attr"`
	Servers []serverElement `xml:"server"`
}

type serverElement struct {
	Name     string            `xml:"name,attr"`
	Active   int               `xml:"active,attr"`
	Total    int               `xml:"total,attr"`
	Auctions []auction.Element `xml:"auction"`
}

type deletedElement struct {
	IDs []string `xml:"id"`
}

// render builds the snapshot document: records grouped per server, each
// group ordered by identifier, followed by the tombstones.
func render(recs []auction.Record, tombstones []string) ([]byte, error) {
	byServer := make(map[string][]auction.Record)
	for _, r := range recs {
		server := r.Server
		if server == "" {
			server = auction.DefaultServer
		}
		byServer[server] = append(byServer[server], r)
	}
	names := make([]string, 0, len(byServer))
	for name := range byServer {
		names = append(names, name)
	}
	sort.Strings(names)

	doc := document{Format: FormatVersion, Auctions: auctionsElement{Count: len(recs)}}
	for _, name := range names {
		group := byServer[name]
		sort.Slice(group, func(i, j int) bool { return group[i].ID < group[j].ID })
		srv := serverElement{Name: name, Total: len(group)}
		for _, r := range group {
			if r.Active() {
				srv.Active++
			}
			srv.Auctions = append(srv.Auctions, auction.ToElement(r))
		}
		doc.Auctions.Servers = append(doc.Auctions.Servers, srv)
	}
	if len(tombstones) > 0 {
		ids := append([]string(nil), tombstones...)
		sort.Strings(ids)
		doc.Deleted = &deletedElement{IDs: ids}
	}

	var buf bytes.Buffer
	buf.WriteString(xmlHeader)
	buf.WriteString(docType)
	buf.WriteByte('\n')
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	if err := enc.Flush(); err != nil {
		return nil, fmt.Errorf("flush snapshot: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
