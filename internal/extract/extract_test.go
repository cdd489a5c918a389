package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nidhogg/nuka-rag/internal/apperr"
)

func TestDetect(t *testing.T) {
	cases := []struct {
		name string
		data string
		want string
	}{
		{"notes.txt", "plain words here", TypePlain},
		{"README.md", "# Title\n\nSome text.", TypeMarkdown},
		{"page.html", "<!DOCTYPE html><html><body><p>hi</p></body></html>", TypeHTML},
		{"data.json", `{"a": 1, "b": [true, "x"]}`, TypeJSON},
		{"rows.csv", "name,age\nada,36\nalan,41\n", TypeCSV},
		{"image.png", "\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR", ""},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Detect(c.name, []byte(c.data)), c.name)
	}
}

func TestTextPlainNormalizesLineEndings(t *testing.T) {
	got, err := Text(TypePlain, []byte("  one.\r\ntwo.\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "one.\ntwo.", got)
}

func TestTextHTML(t *testing.T) {
	doc := `<html><head><title>t</title><style>p{}</style></head>
<body><h1>Refund policy</h1><p>Refunds take <b>five</b> days.</p>
<script>alert(1)</script><ul><li>Keep receipts.</li></ul></body></html>`
	got, err := Text(TypeHTML, []byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "Refund policy\n\nRefunds take five days.\n\nKeep receipts.", got)
}

func TestTextCSV(t *testing.T) {
	got, err := Text(TypeCSV, []byte("name,role\nAda,engineer\nAlan,\n"))
	require.NoError(t, err)
	assert.Equal(t, "name: Ada, role: engineer.\nname: Alan.", got)
}

func TestTextJSON(t *testing.T) {
	got, err := Text(TypeJSON, []byte(`{"title":"Guide","steps":["open","close"],"meta":{"draft":false,"owner":null}}`))
	require.NoError(t, err)
	assert.Equal(t, "title: Guide\nsteps.0: open\nsteps.1: close\nmeta.draft: false", got)

	_, err = Text(TypeJSON, []byte(`{"broken":`))
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestTextRejects(t *testing.T) {
	_, err := Text("application/pdf", []byte("%PDF-1.4"))
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = Text(TypePlain, []byte{0xff, 0xfe, 0x00})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}
