package checkpoint

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/snipewatch/internal/auction"
	"github.com/JakeFAU/snipewatch/internal/config"
)

// Splash progress range used while parsing the file.
const maxPercent = 100

// User-visible load failures.
const (
	loadFailedText    = "Failure to load your saved auctions.  Some or all items may be missing."
	fileMismatchText  = "Failed to load all auctions from XML file."
	storeMismatchText = "Failed to load all auctions from database."
)

// ErrNoAuctions is returned for a snapshot without an <auctions> element.
var ErrNoAuctions = errors.New("snapshot requires an <auctions> element")

// Loader receives what a snapshot or durable store holds at startup.
type Loader interface {
	Restore(ctx context.Context, rec auction.Record) error
	RestoreTombstone(ctx context.Context, id string) error
	RebuildIndex(ctx context.Context) error
	Counts(ctx context.Context) (active, total int, err error)
}

// Load populates dst. When the durable store already holds records they are
// used as-is; otherwise the snapshot file is parsed. Errors are reported to
// the user and returned, but whatever was loaded before the error is kept.
func (c *Checkpointer) Load(ctx context.Context, dst Loader) (int, error) {
	_, total, err := dst.Counts(ctx)
	if err != nil {
		return 0, fmt.Errorf("count stored records: %w", err)
	}
	if total > 0 {
		return c.loadFromStore(ctx, dst)
	}

	target := c.Target()
	info, err := c.fs.Stat(target)
	if err != nil || info.Size() == 0 {
		c.logger.Debug("saved auctions not found; starting empty", zap.String("path", target))
		c.notifier.SplashWidth(0)
		c.notifier.SplashSet(0)
		if _, ok := c.settings.Lookup(config.KeyStatsAuctions); !ok {
			c.settings.Set(config.KeyStatsAuctions, "0")
		}
		return 0, nil
	}

	loaded, err := c.loadFile(ctx, target, dst)
	if err != nil {
		c.logger.Error("loading saved auctions failed", zap.String("path", target), zap.Int("loaded", loaded), zap.Error(err))
		c.notifier.Error(loadFailedText)
		return loaded, err
	}
	return loaded, nil
}

func (c *Checkpointer) loadFromStore(ctx context.Context, dst Loader) (int, error) {
	active, total, err := dst.Counts(ctx)
	if err != nil {
		return 0, fmt.Errorf("count stored records: %w", err)
	}
	c.notifier.SplashWidth(active)
	c.notifier.SplashSet(0)
	if err := dst.RebuildIndex(ctx); err != nil {
		return 0, fmt.Errorf("rebuild index: %w", err)
	}
	if saved, ok := c.savedCount(); ok && saved != total {
		c.notifier.Notify(storeMismatchText)
	}
	c.logger.Info("auctions loaded from store", zap.Int("active", active), zap.Int("total", total))
	return total, nil
}

func (c *Checkpointer) loadFile(ctx context.Context, path string, dst Loader) (int, error) {
	f, err := c.fs.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			c.logger.Warn("closing snapshot failed", zap.Error(cerr))
		}
	}()

	c.notifier.SplashWidth(maxPercent)
	c.notifier.SplashSet(maxPercent / 2)

	p := &parser{c: c, dst: dst, dec: xml.NewDecoder(f)}
	err = p.run(ctx)
	if err != nil {
		return p.loaded, err
	}

	saved, hasSaved := c.savedCount()
	if p.loaded != p.declared || (hasSaved && p.loaded != saved) {
		c.notifier.Notify(fileMismatchText)
	}
	c.logger.Info("auctions loaded from snapshot",
		zap.String("path", path),
		zap.Int("auctions", p.loaded),
		zap.Int("deleted", p.tombstones),
		zap.String("format", c.settings.Get(config.KeySaveFileFormat)),
	)
	return p.loaded, nil
}

func (c *Checkpointer) savedCount() (int, bool) {
	raw, ok := c.settings.Lookup(config.KeyLastAuctionCount)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// parser streams the snapshot so records reach the registry as they are
// decoded.
type parser struct {
	c   *Checkpointer
	dst Loader
	dec *xml.Decoder

	sawRoot     bool
	sawAuctions bool
	server      string
	declared    int
	loaded      int
	tombstones  int
}

func (p *parser) run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		tok, err := p.dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("parse snapshot: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			if end, isEnd := tok.(xml.EndElement); isEnd && end.Name.Local == "server" {
				p.server = ""
			}
			continue
		}
		if err := p.element(ctx, start); err != nil {
			return err
		}
	}
	if !p.sawAuctions {
		return ErrNoAuctions
	}
	return nil
}

func (p *parser) element(ctx context.Context, start xml.StartElement) error {
	switch start.Name.Local {
	case "jbidwatcher":
		p.sawRoot = true
		format := attr(start, "format")
		if format == "" {
			format = FormatVersion
		}
		p.c.settings.Set(config.KeySaveFileFormat, format)
		p.c.notifier.SplashSet(maxPercent)
	case "auctions":
		if !p.sawRoot {
			return fmt.Errorf("parse snapshot: <auctions> outside <jbidwatcher>")
		}
		p.sawAuctions = true
		if raw := attr(start, "count"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				return fmt.Errorf("parse snapshot: bad count %q: %w", raw, err)
			}
			p.declared = n
			p.c.notifier.SplashSet(0)
			p.c.notifier.SplashWidth(n)
		}
	case "server":
		p.server = attr(start, "name")
	case "auction":
		var el auction.Element
		if err := p.dec.DecodeElement(&el, &start); err != nil {
			return fmt.Errorf("parse snapshot: %w", err)
		}
		rec, err := auction.FromElement(el, p.server)
		if err != nil {
			p.c.logger.Warn("skipping unreadable auction", zap.String("id", el.ID), zap.Error(err))
			return nil
		}
		if err := p.dst.Restore(ctx, rec); err != nil {
			p.c.logger.Warn("restoring auction failed", zap.String("id", rec.ID), zap.Error(err))
			return nil
		}
		p.loaded++
		p.c.notifier.SplashSet(p.loaded)
	case "id":
		var id string
		if err := p.dec.DecodeElement(&id, &start); err != nil {
			return fmt.Errorf("parse snapshot: %w", err)
		}
		if id == "" {
			return nil
		}
		if err := p.dst.RestoreTombstone(ctx, id); err != nil {
			p.c.logger.Warn("restoring tombstone failed", zap.String("id", id), zap.Error(err))
			return nil
		}
		p.tombstones++
	}
	return nil
}

func attr(el xml.StartElement, name string) string {
	for _, a := range el.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}
