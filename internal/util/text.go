package util

import "golang.org/x/text/unicode/norm"

// Normalize applies NFKD normalization. Usernames and passphrases are
// normalized before hashing so visually identical Unicode input derives
// the same proof.
func Normalize(s string) string {
	return norm.NFKD.String(s)
}
