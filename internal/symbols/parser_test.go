package symbols

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const sampleSym = `MODULE windows x86 C617B8AF472444AD952D19A0CFD7C8F72 firefox.pdb
FILE 1 hg:hg.mozilla.org/releases/mozilla-release:media/webrtc/trunk/src.cc
FUNC 25a8c 82 4 sandbox::TargetProcess::~TargetProcess()
FUNC 25b10 30 0 sandbox::TargetProcess::Create(void*)
PUBLIC 25d30 0 KiUserCallbackDispatcher
STACK WIN 4 25a8c 82 11 0 4 0 1c 0 1 $T0 .raSearch
`

func parse(t *testing.T, content string) ParseResult {
	t.Helper()
	res, err := ParseSym(strings.NewReader(content), "http://example/test.sym", zaptest.NewLogger(t))
	require.NoError(t, err)
	return res
}

func TestParseSym(t *testing.T) {
	res := parse(t, sampleSym)

	assert.Equal(t, 3, res.Map.Len())
	assert.Equal(t, 0, res.SkippedLines)
	assert.Equal(t, int64(len(sampleSym)), res.BytesRead)

	name, ok := res.Map.Lookup(0x25a8c)
	assert.True(t, ok)
	assert.Equal(t, "sandbox::TargetProcess::~TargetProcess()", name)

	name, ok = res.Map.Lookup(0x25d30)
	assert.True(t, ok)
	assert.Equal(t, "KiUserCallbackDispatcher", name)
}

func TestParseSymNameWithSpaces(t *testing.T) {
	res := parse(t, "FUNC 1000 20 0 std::vector<int, std::allocator<int> >::push_back(int const&)\n")

	name, ok := res.Map.Lookup(0x1000)
	assert.True(t, ok)
	assert.Equal(t, "std::vector<int, std::allocator<int> >::push_back(int const&)", name)
}

func TestParseSymPublicBeatsFunc(t *testing.T) {
	content := "FUNC 1000 20 0 from_func\nPUBLIC 1000 0 from_public\n"
	res := parse(t, content)

	name, ok := res.Map.Lookup(0x1000)
	assert.True(t, ok)
	assert.Equal(t, "from_public", name)

	// Order in the file does not matter.
	res = parse(t, "PUBLIC 1000 0 from_public\nFUNC 1000 20 0 from_func\n")
	name, ok = res.Map.Lookup(0x1000)
	assert.True(t, ok)
	assert.Equal(t, "from_public", name)
}

func TestParseSymMalformedLines(t *testing.T) {
	content := strings.Join([]string{
		"PUBLIC 1000",               // too few fields
		"FUNC 2000 10 0",            // FUNC needs a name too
		"PUBLIC zzzz 0 bad_address", // unparsable hex
		"PUBLIC 3000 0 good",
		"",
	}, "\n")
	res := parse(t, content)

	assert.Equal(t, 3, res.SkippedLines)
	assert.Equal(t, 1, res.Map.Len())

	name, ok := res.Map.Lookup(0x3000)
	assert.True(t, ok)
	assert.Equal(t, "good", name)
}

func TestParseSymEmptyBody(t *testing.T) {
	res := parse(t, "")

	assert.True(t, res.Map.IsEmpty())
	assert.Equal(t, int64(0), res.BytesRead)
}

func TestParseSymIgnoresOtherRecords(t *testing.T) {
	res := parse(t, "MODULE windows x86 AAAA test.pdb\nINFO CODE_ID 58EE0F7F68000 test.dll\n")
	assert.True(t, res.Map.IsEmpty())
	assert.Equal(t, 0, res.SkippedLines)
}

func TestParseSymIdempotent(t *testing.T) {
	first := parse(t, sampleSym)
	second := parse(t, sampleSym)

	assert.Equal(t, first.Map.Names(), second.Map.Names())
	assert.Equal(t, first.Map.Offsets(), second.Map.Offsets())
	assert.Equal(t, first.BytesRead, second.BytesRead)
}
