package message

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"kestrel/internal/models"
	"kestrel/internal/server/handler"
	"kestrel/internal/server/lock"
	"kestrel/internal/server/middleware"
	"kestrel/internal/server/response"
	"kestrel/internal/server/utils"
	"kestrel/internal/storage"
)

// ===== FETCH =====

var (
	HandleFetch    = middleware.ValidateMinArgs(2, "FETCH requires sequence and items", fetchHandler(false))
	handleUIDFetch = middleware.ValidateMinArgs(2, "FETCH requires sequence and items", fetchHandler(true))
)

type sectionKind int

const (
	sectionNone sectionKind = iota
	sectionFull
	sectionHeader
	sectionText
	sectionFields
	sectionFieldsNot
)

// fetchItem is one parsed FETCH data item.
type fetchItem struct {
	name    string // as echoed in the response
	section sectionKind
	fields  []string
	peek    bool
	partial bool
	offset  int64
	count   int64
}

func (it fetchItem) needsBody() bool {
	return it.section != sectionNone || it.name == "ENVELOPE"
}

func (it fetchItem) setsSeen() bool {
	return it.section != sectionNone && !it.peek
}

var macros = map[string][]string{
	"ALL":  {"FLAGS", "INTERNALDATE", "RFC822.SIZE", "ENVELOPE"},
	"FAST": {"FLAGS", "INTERNALDATE", "RFC822.SIZE"},
}

// parseFetchItems reads the item list, a single item, or a macro.
func parseFetchItems(args []models.Arg) ([]fetchItem, error) {
	var names []string
	switch {
	case len(args) == 1 && args[0].Kind == models.ArgList:
		for _, a := range args[0].List {
			if a.Kind != models.ArgAtom {
				return nil, handler.Bad("Invalid fetch item: %s", a.String())
			}
			names = append(names, a.Value)
		}
	case len(args) == 1 && args[0].Kind == models.ArgAtom:
		if m, ok := macros[strings.ToUpper(args[0].Value)]; ok {
			names = m
		} else {
			names = []string{args[0].Value}
		}
	default:
		return nil, handler.Bad("Invalid fetch items")
	}
	if len(names) == 0 {
		return nil, handler.Bad("FETCH requires sequence and items")
	}

	items := make([]fetchItem, 0, len(names))
	for _, n := range names {
		it, err := parseFetchItem(n)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, nil
}

func parseFetchItem(raw string) (fetchItem, error) {
	upper := strings.ToUpper(raw)
	switch upper {
	case "UID", "FLAGS", "INTERNALDATE", "RFC822.SIZE", "ENVELOPE":
		return fetchItem{name: upper}, nil
	case "RFC822":
		return fetchItem{name: upper, section: sectionFull}, nil
	case "RFC822.HEADER":
		return fetchItem{name: upper, section: sectionHeader, peek: true}, nil
	case "RFC822.TEXT":
		return fetchItem{name: upper, section: sectionText}, nil
	case "BODY", "BODYSTRUCTURE", "FULL":
		return fetchItem{}, handler.Bad("%s not supported", upper)
	}

	var it fetchItem
	var rest string
	switch {
	case strings.HasPrefix(upper, "BODY.PEEK["):
		it.peek = true
		rest = raw[len("BODY.PEEK["):]
	case strings.HasPrefix(upper, "BODY["):
		rest = raw[len("BODY["):]
	default:
		return fetchItem{}, handler.Bad("Invalid fetch item: %s", raw)
	}

	end := strings.IndexByte(rest, ']')
	if end < 0 {
		return fetchItem{}, handler.Bad("Invalid fetch item: %s", raw)
	}
	spec, tail := strings.TrimSpace(rest[:end]), rest[end+1:]
	if err := parseSection(&it, spec); err != nil {
		return fetchItem{}, err
	}
	it.name = "BODY[" + strings.ToUpper(spec) + "]"

	if tail != "" {
		if err := parsePartial(&it, tail); err != nil {
			return fetchItem{}, handler.Bad("Invalid fetch item: %s", raw)
		}
	}
	return it, nil
}

func parseSection(it *fetchItem, spec string) error {
	upper := strings.ToUpper(spec)
	switch {
	case upper == "":
		it.section = sectionFull
	case upper == "HEADER":
		it.section = sectionHeader
	case upper == "TEXT":
		it.section = sectionText
	case strings.HasPrefix(upper, "HEADER.FIELDS.NOT"):
		it.section = sectionFieldsNot
		it.fields = fieldNames(spec[len("HEADER.FIELDS.NOT"):])
	case strings.HasPrefix(upper, "HEADER.FIELDS"):
		it.section = sectionFields
		it.fields = fieldNames(spec[len("HEADER.FIELDS"):])
	default:
		return handler.Bad("Unsupported section: %s", spec)
	}
	if (it.section == sectionFields || it.section == sectionFieldsNot) && len(it.fields) == 0 {
		return handler.Bad("Invalid header field list")
	}
	return nil
}

func fieldNames(list string) []string {
	list = strings.TrimSpace(list)
	if !strings.HasPrefix(list, "(") || !strings.HasSuffix(list, ")") {
		return nil
	}
	return strings.Fields(list[1 : len(list)-1])
}

// parsePartial reads "<offset.count>".
func parsePartial(it *fetchItem, s string) error {
	if !strings.HasPrefix(s, "<") || !strings.HasSuffix(s, ">") {
		return errors.New("bad partial")
	}
	parts := strings.SplitN(s[1:len(s)-1], ".", 2)
	if len(parts) != 2 {
		return errors.New("bad partial")
	}
	offset, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || offset < 0 {
		return errors.New("bad partial offset")
	}
	count, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || count <= 0 {
		return errors.New("bad partial count")
	}
	it.partial, it.offset, it.count = true, offset, count
	return nil
}

func fetchMode(items []fetchItem) func(*handler.Request) lock.Mode {
	return func(req *handler.Request) lock.Mode {
		if !req.Session.ReadOnly && anySetsSeen(items) {
			return lock.Exclusive
		}
		return lock.Shared
	}
}

func anySetsSeen(items []fetchItem) bool {
	for _, it := range items {
		if it.setsSeen() {
			return true
		}
	}
	return false
}

func fetchHandler(uid bool) handler.HandlerFunc {
	return func(req *handler.Request) (*handler.Result, error) {
		sel, err := selector(req, 0, uid)
		if err != nil {
			return nil, err
		}
		items, err := parseFetchItems(req.Command.Args[1:])
		if err != nil {
			return nil, err
		}
		if uid && !hasItem(items, "UID") {
			items = append([]fetchItem{{name: "UID"}}, items...)
		}

		run := middleware.WithSelectedLockFunc(fetchMode(items), func(req *handler.Request) (*handler.Result, error) {
			return fetch(req, sel, items)
		})
		return run(req)
	}
}

func hasItem(items []fetchItem, name string) bool {
	for _, it := range items {
		if it.name == name {
			return true
		}
	}
	return false
}

func fetch(req *handler.Request, sel storage.Selector, items []fetchItem) (*handler.Result, error) {
	withBody := false
	for _, it := range items {
		withBody = withBody || it.needsBody()
	}

	msgs, err := req.Env.Storage.FetchMessages(req.Ctx, req.Session.Username, req.Session.Mailbox, sel, withBody)
	if err != nil {
		return nil, errors.Wrap(err, "fetch messages")
	}
	// messages the client has not been told about yet are announced after
	// the command and can be fetched then
	msgs = inView(req.Session.View, msgs)

	markSeen := !req.Session.ReadOnly && anySetsSeen(items)
	flagsChanged := make(map[uint32]bool)
	if markSeen {
		var unseen []uint32
		for _, m := range msgs {
			if !m.HasFlag(storage.FlagSeen) {
				unseen = append(unseen, m.UID)
			}
		}
		if len(unseen) > 0 {
			set, err := models.ParseSeqSet(models.FormatUIDs(unseen))
			if err != nil {
				return nil, errors.Wrap(err, "build seen set")
			}
			updated, err := req.Env.Storage.StoreFlags(req.Ctx, req.Session.Username, req.Session.Mailbox,
				storage.Selector{Set: set, UID: true}, storage.FlagsAdd, []string{storage.FlagSeen})
			if err != nil {
				return nil, errors.Wrap(err, "set seen flag")
			}
			flags := make(map[uint32][]string, len(updated))
			for _, u := range updated {
				flags[u.UID] = u.Flags
			}
			for i := range msgs {
				if f, ok := flags[msgs[i].UID]; ok {
					msgs[i].Flags = f
					flagsChanged[msgs[i].UID] = true
				}
			}
		}
	}

	res := handler.OK()
	for i := range msgs {
		m := &msgs[i]
		parts := make([]string, 0, len(items)+1)
		for _, it := range items {
			parts = append(parts, renderItem(it, m))
		}
		// a \Seen change is reported even when FLAGS was not asked for
		if flagsChanged[m.UID] && !hasItem(items, "FLAGS") {
			parts = append(parts, "FLAGS "+utils.FormatFlags(m.Flags))
		}
		res.Untagged("%d FETCH (%s)", m.SeqNum, strings.Join(parts, " "))
	}
	return res, nil
}

func renderItem(it fetchItem, m *storage.Message) string {
	switch it.name {
	case "UID":
		return fmt.Sprintf("UID %d", m.UID)
	case "FLAGS":
		return "FLAGS " + utils.FormatFlags(m.Flags)
	case "INTERNALDATE":
		return "INTERNALDATE " + models.Quote(m.InternalDate.Format(internalDateLayout))
	case "RFC822.SIZE":
		return fmt.Sprintf("RFC822.SIZE %d", m.Size)
	case "ENVELOPE":
		return "ENVELOPE " + response.BuildEnvelope(response.ParseHeader(m.Body))
	}

	data := sectionData(it, m.Body)
	name := it.name
	if it.partial {
		data = response.Partial(data, it.offset, it.count)
		name = fmt.Sprintf("%s<%d>", name, it.offset)
	}
	return name + " " + models.FormatLiteral(string(data))
}

func sectionData(it fetchItem, body []byte) []byte {
	switch it.section {
	case sectionHeader:
		header, _ := response.SplitMessage(body)
		return header
	case sectionText:
		_, text := response.SplitMessage(body)
		return text
	case sectionFields:
		return response.HeaderFields(body, it.fields, false)
	case sectionFieldsNot:
		return response.HeaderFields(body, it.fields, true)
	}
	return body
}
