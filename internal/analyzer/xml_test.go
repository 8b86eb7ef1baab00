package analyzer

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phobologic/tryton-analyzer/internal/model"
	"github.com/phobologic/tryton-analyzer/internal/parse"
)

func TestAnalyzeXML(t *testing.T) {
	t.Parallel()
	f := loadFixture(t)

	tests := []struct {
		file string
		want []string
	}{
		{"library.xml", []string{"3:5002", "5:5004", "6:5003", "15:5004", "16:5005", "18:5006", "30:5004"}},
		{"missing_root.xml", []string{"1:5000"}},
		{"unregistered.xml", []string{"1:5001"}},
		{"view/author_form.xml", []string{"5:5005", "6:5003"}},
	}
	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			t.Parallel()
			report, err := New(Options{}).AnalyzeXML(context.Background(), f.xmlInput(t, tt.file))
			require.NoError(t, err)
			assert.Equal(t, parse.Complete, report.Outcome)
			if diff := cmp.Diff(tt.want, findings(report)); diff != "" {
				t.Errorf("findings mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAnalyzeXMLMessages(t *testing.T) {
	t.Parallel()
	f := loadFixture(t)

	report, err := New(Options{}).AnalyzeXML(context.Background(), f.xmlInput(t, "library.xml"))
	require.NoError(t, err)
	for _, d := range report.Diagnostics {
		if d.Code == model.CodeRecordDuplicateID {
			assert.Equal(t, "Id author_view_form is already defined line 9", d.Message)
		}
		if d.Line() == 30 {
			assert.Equal(t, "Model 'res.group' does not exist in this context", d.Message)
		}
		if d.Code == model.CodeRecordUnknownField {
			assert.Equal(t, "Unknown field 'colour' on model 'ir.ui.view'", d.Message)
		}
		if d.Code == model.CodeRecordMissingAttribute {
			assert.Equal(t, "Missing 'id' attribute", d.Message)
		}
		if d.Code == model.CodeUnexpectedXMLTag {
			assert.Equal(t, "Unexpected element '<record>' here", d.Message)
			assert.Equal(t, model.Position{Line: 2, Column: 4}, d.Span.Start)
		}
	}
}

func TestAnalyzeXMLFileLevelMessages(t *testing.T) {
	t.Parallel()
	f := loadFixture(t)

	for file, want := range map[string]string{
		"missing_root.xml": "<tryton> tag not found, but file is defined in tryton.cfg",
		"unregistered.xml": "<tryton> tag found, but file is not defined in tryton.cfg",
	} {
		report, err := New(Options{}).AnalyzeXML(context.Background(), f.xmlInput(t, file))
		require.NoError(t, err)
		require.Len(t, report.Diagnostics, 1, file)
		assert.Equal(t, want, report.Diagnostics[0].Message, file)
		assert.Equal(t, model.Position{}, report.Diagnostics[0].Span.Start, file)
	}
}

func TestAnalyzeXMLSyntaxError(t *testing.T) {
	t.Parallel()
	f := loadFixture(t)

	in := f.xmlInput(t, "library.xml")
	in.Source = []byte("<?xml version=\"1.0\"?>\n<tryton>\n    <data>\n        <record model=\"library.unknown\" id=\"a\"/>\n        <record\n")
	report, err := New(Options{}).AnalyzeXML(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, parse.Partial, report.Outcome)
	assert.Equal(t, []string{"4:5004"}, findings(report))
}

func TestAnalyzeXMLUnknownView(t *testing.T) {
	t.Parallel()
	f := loadFixture(t)

	in := f.xmlInput(t, "view/author_form.xml")
	in.Views = nil
	report, err := New(Options{}).AnalyzeXML(context.Background(), in)
	require.NoError(t, err)
	assert.Empty(t, report.Diagnostics)
}

func TestScanViews(t *testing.T) {
	t.Parallel()

	src := []byte(`<?xml version="1.0"?>
<tryton>
    <data>
        <record model="ir.ui.view" id="party_view_form">
            <field name="model">party.party</field>
            <field name="type">form</field>
            <field name="name">party_form</field>
        </record>
        <record model="ir.ui.view" id="party_view_tree">
            <field name="model">party.party</field>
            <field name="name">party_tree</field>
        </record>
        <record model="ir.ui.menu" id="menu">
            <field name="name">party_menu</field>
        </record>
    </data>
    <data depends="company, account">
        <record model="ir.ui.view" id="party_view_form_company">
            <field name="model">party.party</field>
            <field name="inherit" ref="party_view_form"/>
            <field name="name">party_form_company</field>
        </record>
        <record model="ir.ui.view" id="party_view_form_again">
            <field name="model">party.address</field>
            <field name="type">form</field>
            <field name="name">party_form</field>
        </record>
    </data>
</tryton>
`)
	want := map[string]ViewInfo{
		"party_form": {Name: "party_form", Model: "party.party", Type: "form"},
		"party_form_company": {
			Name: "party_form_company", Model: "party.party", Type: "inherit",
			Depends: []string{"company", "account"},
		},
	}
	if diff := cmp.Diff(want, ScanViews(src)); diff != "" {
		t.Errorf("views mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, ScanViews([]byte("<tryton><data>")))
}
