package validate

import (
	"regexp"
	"strings"
)

// systemPathPrefixes are directories a sandboxed agent has no business
// touching. Paths are compared after lowercasing.
var systemPathPrefixes = []string{
	"/etc/", "/usr/", "/bin/", "/sbin/", "/boot/",
	"/root/", "/proc/", "/sys/", "/dev/", "/var/",
	"c:\\windows", "c:/windows",
}

// DenyPathTraversal blocks arguments containing `..` path segments or
// absolute paths into system directories. With no keys given it inspects
// every string-valued argument; otherwise only the named keys.
func DenyPathTraversal(keys ...string) Predicate {
	return func(in Input) Result {
		check := func(key, val string) Result {
			for _, seg := range strings.FieldsFunc(val, func(r rune) bool { return r == '/' || r == '\\' }) {
				if seg == ".." {
					return Deny("argument %q contains a path traversal segment", key)
				}
			}
			lower := strings.ToLower(val)
			for _, prefix := range systemPathPrefixes {
				if strings.HasPrefix(lower, prefix) || lower == strings.TrimSuffix(prefix, "/") {
					return Deny("argument %q points into a system path", key)
				}
			}
			return Allow()
		}

		if len(keys) == 0 {
			for key, v := range in.Args {
				if s, ok := v.(string); ok {
					if r := check(key, s); !r.Allowed {
						return r
					}
				}
			}
			return Allow()
		}
		for _, key := range keys {
			if s, ok := in.Args[key].(string); ok {
				if r := check(key, s); !r.Allowed {
					return r
				}
			}
		}
		return Allow()
	}
}

// RestrictEmailDomain blocks the call unless the named argument is an email
// address under the given domain. Comparison is case-insensitive.
func RestrictEmailDomain(key, domain string) Predicate {
	suffix := "@" + strings.ToLower(domain)
	return func(in Input) Result {
		s, ok := in.Args[key].(string)
		if !ok {
			return Deny("argument %q must be a string email address", key)
		}
		if !strings.HasSuffix(strings.ToLower(s), suffix) {
			return Deny("recipient %q is outside the %s domain", s, domain)
		}
		return Allow()
	}
}

var writeSQLKeywords = regexp.MustCompile(`(?i)\b(insert|update|delete|drop|alter|truncate|create|grant|revoke)\b`)

// DenyWriteSQL blocks the call when the named argument contains SQL
// keywords that mutate data or schema. Read-only queries pass.
func DenyWriteSQL(key string) Predicate {
	return func(in Input) Result {
		s, ok := in.Args[key].(string)
		if !ok {
			return Allow()
		}
		if m := writeSQLKeywords.FindString(s); m != "" {
			return Deny("argument %q contains write SQL keyword %q", key, strings.ToUpper(m))
		}
		return Allow()
	}
}

var emailShape = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// EmailShape blocks the call unless the named argument looks like an email
// address. This is a shape check, not RFC 5322 parsing.
func EmailShape(key string) Predicate {
	return func(in Input) Result {
		s, ok := in.Args[key].(string)
		if !ok || !emailShape.MatchString(s) {
			return Deny("argument %q is not a valid email address", key)
		}
		return Allow()
	}
}

// RequireKeys blocks the call unless every named argument is present and
// non-nil.
func RequireKeys(keys ...string) Predicate {
	return func(in Input) Result {
		for _, key := range keys {
			if v, ok := in.Args[key]; !ok || v == nil {
				return Deny("missing required argument %q", key)
			}
		}
		return Allow()
	}
}

// MaxStringLength blocks the call when the named argument exceeds n bytes.
func MaxStringLength(key string, n int) Predicate {
	return func(in Input) Result {
		if s, ok := in.Args[key].(string); ok && len(s) > n {
			return Deny("argument %q exceeds %d bytes", key, n)
		}
		return Allow()
	}
}
