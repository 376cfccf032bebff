package message

import (
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/pkg/errors"

	"kestrel/internal/models"
	"kestrel/internal/server/handler"
	"kestrel/internal/server/lock"
	"kestrel/internal/server/middleware"
	"kestrel/internal/server/response"
	"kestrel/internal/storage"
)

// ===== SEARCH =====

var (
	HandleSearch    = middleware.ValidateMinArgs(1, "SEARCH requires search criteria", searchHandler(false))
	handleUIDSearch = middleware.ValidateMinArgs(1, "SEARCH requires search criteria", searchHandler(true))
)

const searchDateLayout = "2-Jan-2006"

// candidate is a message under evaluation. The header is parsed on first
// use.
type candidate struct {
	msg    *storage.Message
	maxSeq uint32
	maxUID uint32
	header *mail.Header
}

func (c *candidate) mailHeader() *mail.Header {
	if c.header == nil {
		h := mail.Header{}
		h.Header.Header = response.ParseHeader(c.msg.Body)
		c.header = &h
	}
	return c.header
}

func (c *candidate) rawHeader() *textproto.Header {
	return &c.mailHeader().Header.Header
}

func (c *candidate) headerText(key string) string {
	h := c.mailHeader()
	if v, err := h.Text(key); err == nil {
		return v
	}
	return h.Get(key)
}

type matcher func(c *candidate) bool

type searchParser struct {
	args     []models.Arg
	pos      int
	needBody bool
}

func (p *searchParser) next() (models.Arg, bool) {
	if p.pos >= len(p.args) {
		return models.Arg{}, false
	}
	a := p.args[p.pos]
	p.pos++
	return a, true
}

func (p *searchParser) stringValue(key string) (string, error) {
	a, ok := p.next()
	if !ok || !a.IsString() {
		return "", handler.Bad("Missing argument for %s", key)
	}
	return a.Value, nil
}

func (p *searchParser) numberValue(key string) (uint32, error) {
	v, err := p.stringValue(key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, handler.Bad("Invalid number for %s", key)
	}
	return uint32(n), nil
}

func (p *searchParser) dateValue(key string) (time.Time, error) {
	v, err := p.stringValue(key)
	if err != nil {
		return time.Time{}, err
	}
	d, err := time.Parse(searchDateLayout, v)
	if err != nil {
		return time.Time{}, handler.Bad("Invalid date for %s", key)
	}
	return d, nil
}

// parseAll reads keys until the input runs out; they are ANDed.
func (p *searchParser) parseAll() (matcher, error) {
	var all []matcher
	for p.pos < len(p.args) {
		m, err := p.parseKey()
		if err != nil {
			return nil, err
		}
		all = append(all, m)
	}
	return and(all), nil
}

func and(ms []matcher) matcher {
	return func(c *candidate) bool {
		for _, m := range ms {
			if !m(c) {
				return false
			}
		}
		return true
	}
}

func flagMatcher(flag string, want bool) matcher {
	return func(c *candidate) bool { return c.msg.HasFlag(flag) == want }
}

func (p *searchParser) parseKey() (matcher, error) {
	a, ok := p.next()
	if !ok {
		return nil, handler.Bad("SEARCH requires search criteria")
	}
	if a.Kind == models.ArgList {
		sub := &searchParser{args: a.List}
		if len(a.List) == 0 {
			return nil, handler.Bad("Empty search group")
		}
		m, err := sub.parseAll()
		p.needBody = p.needBody || sub.needBody
		return m, err
	}

	key := strings.ToUpper(a.Value)
	if a.Kind == models.ArgAtom && isSeqSetAtom(key) {
		set, err := models.ParseSeqSet(key)
		if err != nil {
			return nil, handler.Bad("Invalid sequence set")
		}
		return func(c *candidate) bool { return set.Contains(c.msg.SeqNum, c.maxSeq) }, nil
	}

	switch key {
	case "ALL":
		return func(*candidate) bool { return true }, nil
	case "ANSWERED", "DELETED", "DRAFT", "FLAGGED", "RECENT", "SEEN":
		return flagMatcher(`\`+titleCase(key), true), nil
	case "UNANSWERED", "UNDELETED", "UNDRAFT", "UNFLAGGED", "UNSEEN":
		return flagMatcher(`\`+titleCase(key[2:]), false), nil
	case "NEW":
		return and([]matcher{flagMatcher(storage.FlagRecent, true), flagMatcher(storage.FlagSeen, false)}), nil
	case "OLD":
		return flagMatcher(storage.FlagRecent, false), nil
	case "KEYWORD", "UNKEYWORD":
		flag, err := p.stringValue(key)
		if err != nil {
			return nil, err
		}
		return flagMatcher(flag, key == "KEYWORD"), nil
	case "LARGER", "SMALLER":
		n, err := p.numberValue(key)
		if err != nil {
			return nil, err
		}
		if key == "LARGER" {
			return func(c *candidate) bool { return c.msg.Size > n }, nil
		}
		return func(c *candidate) bool { return c.msg.Size < n }, nil
	case "BEFORE", "ON", "SINCE":
		d, err := p.dateValue(key)
		if err != nil {
			return nil, err
		}
		cmp := dateComparison(key, d)
		return func(c *candidate) bool { return cmp(c.msg.InternalDate) }, nil
	case "SENTBEFORE", "SENTON", "SENTSINCE":
		d, err := p.dateValue(key)
		if err != nil {
			return nil, err
		}
		p.needBody = true
		cmp := dateComparison(strings.TrimPrefix(key, "SENT"), d)
		return func(c *candidate) bool {
			sent, err := c.mailHeader().Date()
			return err == nil && !sent.IsZero() && cmp(sent)
		}, nil
	case "SUBJECT", "FROM", "TO", "CC", "BCC":
		v, err := p.stringValue(key)
		if err != nil {
			return nil, err
		}
		p.needBody = true
		return func(c *candidate) bool { return response.ContainsFold(c.headerText(key), v) }, nil
	case "HEADER":
		field, err := p.stringValue(key)
		if err != nil {
			return nil, err
		}
		v, err := p.stringValue(key)
		if err != nil {
			return nil, err
		}
		p.needBody = true
		return func(c *candidate) bool {
			if !c.rawHeader().Has(field) {
				return false
			}
			return v == "" || response.ContainsFold(c.headerText(field), v)
		}, nil
	case "BODY":
		v, err := p.stringValue(key)
		if err != nil {
			return nil, err
		}
		p.needBody = true
		return func(c *candidate) bool {
			_, text := response.SplitMessage(c.msg.Body)
			return response.ContainsFold(string(text), v)
		}, nil
	case "TEXT":
		v, err := p.stringValue(key)
		if err != nil {
			return nil, err
		}
		p.needBody = true
		return func(c *candidate) bool { return response.ContainsFold(string(c.msg.Body), v) }, nil
	case "UID":
		v, err := p.stringValue(key)
		if err != nil {
			return nil, err
		}
		set, err := models.ParseSeqSet(v)
		if err != nil {
			return nil, handler.Bad("Invalid sequence set")
		}
		return func(c *candidate) bool { return set.Contains(c.msg.UID, c.maxUID) }, nil
	case "NOT":
		m, err := p.parseKey()
		if err != nil {
			return nil, err
		}
		return func(c *candidate) bool { return !m(c) }, nil
	case "OR":
		left, err := p.parseKey()
		if err != nil {
			return nil, err
		}
		right, err := p.parseKey()
		if err != nil {
			return nil, err
		}
		return func(c *candidate) bool { return left(c) || right(c) }, nil
	}
	return nil, handler.Bad("Unknown search key: %s", a.Value)
}

func titleCase(s string) string {
	return s[:1] + strings.ToLower(s[1:])
}

func isSeqSetAtom(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && c != ':' && c != '*' && c != ',' {
			return false
		}
	}
	return true
}

// dateComparison compares calendar days, disregarding time and timezone.
func dateComparison(key string, d time.Time) func(time.Time) bool {
	day := func(t time.Time) time.Time {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	d = day(d)
	switch key {
	case "BEFORE":
		return func(t time.Time) bool { return day(t).Before(d) }
	case "ON":
		return func(t time.Time) bool { return day(t).Equal(d) }
	default:
		return func(t time.Time) bool { return !day(t).Before(d) }
	}
}

// parseCharset strips a leading CHARSET specification.
func parseCharset(args []models.Arg) ([]models.Arg, error) {
	if len(args) == 0 || args[0].Kind != models.ArgAtom || !strings.EqualFold(args[0].Value, "CHARSET") {
		return args, nil
	}
	if len(args) < 2 || !args[1].IsString() {
		return nil, handler.Bad("SEARCH requires search criteria")
	}
	switch strings.ToUpper(args[1].Value) {
	case "US-ASCII", "UTF-8":
	default:
		return nil, handler.NoCode("BADCHARSET (US-ASCII UTF-8)", "Charset not supported")
	}
	if len(args) == 2 {
		return nil, handler.Bad("SEARCH requires search criteria")
	}
	return args[2:], nil
}

var allMessages = models.SeqSet{{Start: 1, Stop: 0}}

func searchHandler(uid bool) handler.HandlerFunc {
	return middleware.WithSelectedLock(lock.Shared, func(req *handler.Request) (*handler.Result, error) {
		args, err := parseCharset(req.Command.Args)
		if err != nil {
			return nil, err
		}
		p := &searchParser{args: args}
		match, err := p.parseAll()
		if err != nil {
			return nil, err
		}

		msgs, err := req.Env.Storage.FetchMessages(req.Ctx, req.Session.Username, req.Session.Mailbox,
			storage.Selector{Set: allMessages, UID: true}, p.needBody)
		if err != nil {
			return nil, errors.Wrap(err, "search messages")
		}

		view := req.Session.View
		msgs = inView(view, msgs)
		var maxUID uint32
		if n := len(view.UIDs); n > 0 {
			maxUID = view.UIDs[n-1]
		}
		results := make([]string, 0, len(msgs))
		for i := range msgs {
			c := &candidate{msg: &msgs[i], maxSeq: view.Messages(), maxUID: maxUID}
			if !match(c) {
				continue
			}
			n := msgs[i].SeqNum
			if uid {
				n = msgs[i].UID
			}
			results = append(results, strconv.FormatUint(uint64(n), 10))
		}

		res := handler.OK()
		if len(results) > 0 {
			res.Untagged("SEARCH %s", strings.Join(results, " "))
		} else {
			res.Untagged("SEARCH")
		}
		return res, nil
	})
}
