package zeropsyml

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const twoBlocks = `
zerops:
  - setup: apidev
    build:
      base: nodejs@22
      buildCommands:
        - npm ci
      deployFiles: ./
    run:
      base: nodejs@22
      start: npx nodemon index.js
      ports:
        - port: 3000
          httpSupport: true
      envVariables:
        NODE_ENV: development
        PORT: 3000
  - setup: api
    build:
      base: nodejs@22
      buildCommands:
        - npm ci
        - npm run build
      deployFiles: ./dist
      cache: node_modules
    run:
      start: node dist/index.js
      ports:
        - port: 8080
      envVariables:
        NODE_ENV: production
      healthCheck:
        httpGet:
          port: 8080
          path: /status
  - build:
      base: go@1
`

func TestParse(t *testing.T) {
	doc, err := Parse([]byte(twoBlocks))
	require.NoError(t, err)
	assert.Equal(t, []string{"apidev", "api"}, doc.Setups(), "blocks without setup are dropped")

	dev := doc.Block("apidev")
	require.NotNil(t, dev)
	assert.Equal(t, "npx nodemon index.js", dev.StartCommand())
	assert.Equal(t, 3000, dev.Port())
	assert.Equal(t, "npm ci", dev.BuildCommand())
	assert.Equal(t, map[string]string{"NODE_ENV": "development", "PORT": "3000"}, dev.EnvVariables())

	stage := doc.Block("api")
	require.NotNil(t, stage)
	assert.Equal(t, "npm ci && npm run build", stage.BuildCommand())
	assert.Equal(t, 8080, stage.Port())
	raw, err := json.Marshal(stage)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"run":{"envVariables":{"NODE_ENV":"production"},"healthCheck":{`, "unknown keys stay in place")

	assert.Nil(t, doc.Block("web"))
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse([]byte("zerops: [:"))
	assert.Error(t, err)

	_, err = Parse([]byte("zerops: []"))
	assert.ErrorIs(t, err, ErrEmptyDocument)
}

func TestBlock_Clone(t *testing.T) {
	doc, err := Parse([]byte(twoBlocks))
	require.NoError(t, err)
	orig := doc.Block("api")

	cp := orig.Clone()
	assert.Equal(t, orig, cp)
	assert.Equal(t, "api", cp.Setup())

	cp.section("run")["envVariables"].(map[string]any)["NODE_ENV"] = "changed"
	assert.Equal(t, "production", orig.EnvVariables()["NODE_ENV"])
	assert.Nil(t, (*Block)(nil).Clone())
}

const richBlock = `
zerops:
  - setup: api
    extends: base
    build:
      os: ubuntu
      base: nodejs@22
      buildCommands: npm ci
      addToRunPrepare:
        - package.json
    run:
      start: node dist/index.js
      ports:
        - port: 8080
          protocol: TCP
          httpSupport: true
          description: public web
      envVariables:
        PORT: 8080
        DEBUG: false
        RATIO: 0.5
      healthCheck:
        httpGet:
          port: 8080
          path: /status
`

func TestBlock_MarshalsVerbatim(t *testing.T) {
	doc, err := Parse([]byte(richBlock))
	require.NoError(t, err)
	block := doc.Block("api")
	require.NotNil(t, block)

	var generic struct {
		Zerops []map[string]any `yaml:"zerops"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(richBlock), &generic))
	want, err := json.Marshal(generic.Zerops[0])
	require.NoError(t, err)

	got, err := json.Marshal(block)
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(got))

	var reloaded Block
	require.NoError(t, json.Unmarshal(got, &reloaded))
	again, err := json.Marshal(&reloaded)
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(again))

	for _, b := range []*Block{block, &reloaded} {
		assert.Equal(t, "node dist/index.js", b.StartCommand())
		assert.Equal(t, 8080, b.Port())
		assert.Equal(t, "npm ci", b.BuildCommand())
		assert.Equal(t, map[string]string{"PORT": "8080", "DEBUG": "false", "RATIO": "0.5"}, b.EnvVariables())
	}
}

func TestNewBlock_NormalizesKeys(t *testing.T) {
	b := NewBlock(map[string]any{
		"setup": "api",
		"run":   map[any]any{"start": "go run .", 1: "one"},
	})
	assert.Equal(t, "go run .", b.StartCommand())
	raw, err := json.Marshal(b)
	require.NoError(t, err)
	assert.JSONEq(t, `{"setup":"api","run":{"start":"go run .","1":"one"}}`, string(raw))
}

func TestNilBlockAccessors(t *testing.T) {
	var b *Block
	assert.Empty(t, b.Setup())
	assert.Empty(t, b.StartCommand())
	assert.Zero(t, b.Port())
	assert.Empty(t, b.BuildCommand())
	assert.Nil(t, b.EnvVariables())
}
