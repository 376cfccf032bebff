package utils

import (
	"strings"

	"kestrel/internal/models"
	"kestrel/internal/storage"
)

// ParseStoreItem decodes a STORE data item name such as "+FLAGS.SILENT".
func ParseStoreItem(item string) (op storage.FlagOp, silent bool, ok bool) {
	item = strings.ToUpper(item)
	if strings.HasSuffix(item, ".SILENT") {
		silent = true
		item = strings.TrimSuffix(item, ".SILENT")
	}

	switch item {
	case "FLAGS":
		return storage.FlagsReplace, silent, true
	case "+FLAGS":
		return storage.FlagsAdd, silent, true
	case "-FLAGS":
		return storage.FlagsRemove, silent, true
	}
	return 0, false, false
}

// ParseFlagList reads flags given either as a parenthesized list or as bare
// atoms. System flags are normalized to their canonical spelling.
func ParseFlagList(args []models.Arg) ([]string, bool) {
	var items []models.Arg
	if len(args) == 1 && args[0].Kind == models.ArgList {
		items = args[0].List
	} else {
		items = args
	}

	flags := make([]string, 0, len(items))
	for _, a := range items {
		if a.Kind != models.ArgAtom || a.Value == "" {
			return nil, false
		}
		flag, ok := canonicalFlag(a.Value)
		if !ok {
			return nil, false
		}
		flags = append(flags, flag)
	}
	return flags, true
}

func canonicalFlag(f string) (string, bool) {
	if !strings.HasPrefix(f, `\`) {
		return f, true
	}
	for _, sys := range storage.SystemFlags {
		if strings.EqualFold(f, sys) {
			return sys, true
		}
	}
	if strings.EqualFold(f, storage.FlagRecent) {
		return storage.FlagRecent, true
	}
	// unknown system flags are not allowed
	return "", false
}

// FormatFlags renders a flag list for FLAGS data items.
func FormatFlags(flags []string) string {
	return models.FormatList(flags)
}

// GetMailboxAttributes adds the special-use attribute of well known
// mailbox names to attrs.
func GetMailboxAttributes(mailboxName string, attrs []string) []string {
	switch mailboxName {
	case "Drafts":
		return append(attrs, `\Drafts`)
	case "Trash":
		return append(attrs, `\Trash`)
	case "Sent":
		return append(attrs, `\Sent`)
	case "Spam", "Junk":
		return append(attrs, `\Junk`)
	case "Archive":
		return append(attrs, `\Archive`)
	}
	return attrs
}
