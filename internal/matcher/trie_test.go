package matcher

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExactAndWildcardMatch(t *testing.T) {
	tr := New()
	tr.Insert("org/acme/invoices/42", 1)
	tr.Insert("org/acme/*", 2)
	tr.Insert("org/other/*", 3)

	require.ElementsMatch(t, []uint64{1, 2}, tr.Match("org/acme/invoices/42"))
	require.ElementsMatch(t, []uint64{2}, tr.Match("org/acme/invoices/99"))
	require.ElementsMatch(t, []uint64{3}, tr.Match("org/other/anything"))
	require.Empty(t, tr.Match("org/unrelated"))
}

func TestRemoveWildcardBinding(t *testing.T) {
	tr := New()
	tr.Insert("org/acme/*", 2)
	require.ElementsMatch(t, []uint64{2}, tr.Match("org/acme/x"))

	tr.Remove("org/acme/*", 2)
	require.Empty(t, tr.Match("org/acme/x"))
}

func TestExactAndWildcardDoNotCollide(t *testing.T) {
	tr := New()
	tr.Insert("org/acme", 1)
	tr.Insert("org/acme/*", 2)

	require.ElementsMatch(t, []uint64{1}, tr.Match("org/acme"))
	require.ElementsMatch(t, []uint64{2}, tr.Match("org/acme/sub"))

	tr.Remove("org/acme/*", 2)
	require.ElementsMatch(t, []uint64{1}, tr.Match("org/acme"))
}
