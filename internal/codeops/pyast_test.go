package codeops

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleSource = `import json
from .util import helper

class Store:
    def save(self, item):
        data = json.dumps(item)
        helper(data)
        return data

def load_all(paths):
    results = []
    for p in paths:
        results.append(read_one(p))
    return results

def read_one(path):
    return open(path).read()
`

func TestParsePythonEntities(t *testing.T) {
	entities, err := ParsePythonEntities([]byte(sampleSource))
	require.NoError(t, err)
	require.Len(t, entities, 3)

	assert.Equal(t, "class", entities[0].Kind)
	assert.Equal(t, "Store", entities[0].Name)
	assert.Equal(t, "function", entities[1].Kind)
	assert.Equal(t, "load_all", entities[1].Name)
	assert.Equal(t, "read_one", entities[2].Name)
	assert.True(t, strings.HasPrefix(entities[1].Source, "def load_all"))
	assert.Less(t, entities[0].StartLine, entities[0].EndLine)
}

func TestParsePythonCalls(t *testing.T) {
	calls, err := ParsePythonCalls([]byte(sampleSource))
	require.NoError(t, err)

	type edge struct{ caller, callee string }
	edges := make(map[edge]bool)
	for _, c := range calls {
		edges[edge{c.Caller, c.Callee}] = true
	}

	assert.True(t, edges[edge{"Store.save", "dumps"}])
	assert.True(t, edges[edge{"Store.save", "helper"}])
	assert.True(t, edges[edge{"load_all", "read_one"}])
	assert.True(t, edges[edge{"read_one", "open"}])
}

func TestParsePythonImports(t *testing.T) {
	imports, err := ParsePythonImports([]byte(sampleSource))
	require.NoError(t, err)
	require.Len(t, imports, 2)

	assert.Equal(t, "json", imports[0].Module)
	assert.False(t, imports[0].IsRelative)

	assert.Equal(t, ".util", imports[1].Module)
	assert.True(t, imports[1].IsRelative)
	assert.Equal(t, []string{"helper"}, imports[1].Names)
}

func TestFindPythonOccurrencesClassification(t *testing.T) {
	occurrences, err := FindPythonOccurrences([]byte(sampleSource), "read_one")
	require.NoError(t, err)
	require.Len(t, occurrences, 2)

	var defs, refs int
	for _, occ := range occurrences {
		if occ.IsDefinition {
			defs++
		} else {
			refs++
		}
	}
	assert.Equal(t, 1, defs)
	assert.Equal(t, 1, refs)
}

func TestFindPythonOccurrencesIgnoresSubstrings(t *testing.T) {
	src := "def process(x):\n    return x\n\ndef preprocess(y):\n    return process(y)\n"
	occurrences, err := FindPythonOccurrences([]byte(src), "process")
	require.NoError(t, err)
	// def process + call process(y); "preprocess" never matches
	require.Len(t, occurrences, 2)
}
