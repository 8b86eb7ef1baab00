package introspect

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phobologic/tryton-analyzer/internal/ctxlog"
	"github.com/phobologic/tryton-analyzer/internal/manifest"
	"github.com/phobologic/tryton-analyzer/internal/model"
)

func fixtureRegistry(t *testing.T) *Registry {
	t.Helper()
	dir, err := filepath.Abs(filepath.Join("..", "..", "testdata", "modules"))
	require.NoError(t, err)
	return NewRegistry(manifest.NewLocator([]string{dir}), nil, ctxlog.Discard())
}

func TestRegistryModuleInfo(t *testing.T) {
	t.Parallel()

	info, err := fixtureRegistry(t).ModuleInfo(context.Background(), "sample_module")
	require.NoError(t, err)

	assert.Equal(t, []string{"ir"}, info.Depends)
	assert.Empty(t, info.ExtrasDepend)
	want := []model.Registration{
		{File: "library", Class: "Author", Kind: model.KindModel},
		{File: "library", Class: "Book", Kind: model.KindModel},
		{File: "library", Class: "Menu", Kind: model.KindModel},
		{File: "library", Class: "AuthorOverride", Kind: model.KindModel, Depends: []string{"res"}},
		{File: "library", Class: "BookOverride", Kind: model.KindModel, Depends: []string{"res"}},
		{File: "library", Class: "MergeAuthors", Kind: model.KindWizard},
	}
	if diff := cmp.Diff(want, info.Registrations); diff != "" {
		t.Errorf("registrations mismatch (-want +got):\n%s", diff)
	}

	_, err = fixtureRegistry(t).ModuleInfo(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestPoolWithoutExtras(t *testing.T) {
	t.Parallel()

	pool, err := fixtureRegistry(t).Pool(context.Background(), []string{"sample_module"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ir", "sample_module"}, pool.Modules)

	action, ok := pool.Model("ir.action", model.KindModel)
	require.True(t, ok)
	assert.NotContains(t, action.Fields, "groups", "res is not loaded")
	assert.Contains(t, action.Fields, "active", "DeactivableMixin field")

	author, ok := pool.Model("library.author", model.KindModel)
	require.True(t, ok)
	assert.Equal(t, "sample_module.library.Author", author.MRO[0].Class, "the res-dependent override is not registered")
	assert.False(t, author.Incomplete)

	names := pool.Names()
	assert.True(t, names.Has("ir.ui.menu", model.KindModel))
	assert.True(t, names.Has("library.author.merge", model.KindWizard))
	assert.False(t, names.Has("res.user", model.KindModel))
}

func TestPoolComposition(t *testing.T) {
	t.Parallel()

	pool, err := fixtureRegistry(t).Pool(context.Background(), []string{"sample_module", "res"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ir", "res", "sample_module"}, pool.Modules)

	action, ok := pool.Model("ir.action", model.KindModel)
	require.True(t, ok)
	groups := action.Fields["groups"]
	require.NotNil(t, groups)
	assert.Equal(t, "many2many", groups.Type)
	assert.Equal(t, "res.group", groups.Relation, "resolved through the relation model")
	assert.Equal(t, model.Many, groups.Cardinality())
	assert.Equal(t, []string{"res"}, groups.Modules)
	assert.Equal(t, []string{"ir"}, action.Fields["name"].Modules)
	assert.Nil(t, action.Fields["id"].Modules, "framework fields belong to no module")
	assert.True(t, action.Fields["id"].Inherited)
	assert.False(t, action.Fields["name"].Inherited)
	assert.Equal(t, []string{"ir", "res"}, action.Modules)

	author, ok := pool.Model("library.author", model.KindModel)
	require.True(t, ok)
	var classes []string
	for _, c := range author.MRO {
		classes = append(classes, c.Class)
	}
	want := []string{
		"sample_module.library.AuthorOverride",
		"sample_module.library.Author",
		"trytond.model.modelsql.ModelSQL",
		"trytond.model.modelstorage.ModelStorage",
		"trytond.model.modelview.ModelView",
		"trytond.model.model.Model",
		"builtins.object",
	}
	if diff := cmp.Diff(want, classes); diff != "" {
		t.Errorf("MRO mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "library.py", author.MRO[0].File)
	assert.Equal(t, 59, author.MRO[0].Line)

	books := author.Fields["books"]
	require.NotNil(t, books)
	assert.Equal(t, "library.book", books.Relation)
	assert.Equal(t, model.Many, books.Cardinality())

	describe := author.Methods["describe"]
	require.NotNil(t, describe)
	assert.False(t, describe.Inherited)
	assert.Equal(t, []string{"sample_module"}, describe.Modules)
	assert.Equal(t, "Return the rec_name of the instance.", author.Methods["get_rec_name"].Doc)
}

func TestPoolFunctionFieldsAndMixins(t *testing.T) {
	t.Parallel()

	pool, err := fixtureRegistry(t).Pool(context.Background(), []string{"ir"})
	require.NoError(t, err)

	menu, ok := pool.Model("ir.ui.menu", model.KindModel)
	require.True(t, ok)
	action := menu.Fields["action"]
	require.NotNil(t, action)
	assert.Equal(t, "many2one", action.Type)
	assert.True(t, action.Function)
	assert.Equal(t, "ir.action", action.Relation)
	assert.Contains(t, menu.Fields, "sequence", "sequence_ordered() mixin")

	view, ok := pool.Model("ir.ui.view", model.KindModel)
	require.True(t, ok)
	assert.Equal(t, []string{"tree", "form", "graph"}, view.Fields["type"].Selection)

	wizard, ok := pool.Model("ir.model.print_model_graph", model.KindWizard)
	require.True(t, ok)
	require.Contains(t, wizard.States, "start")
	assert.Equal(t, "view", wizard.States["start"].Type)
	assert.Equal(t, "ir.model", wizard.States["start"].Relation)
	assert.Equal(t, "report", wizard.States["print_"].Type)
	assert.Contains(t, wizard.Attributes, "records")
}

func TestSuperChain(t *testing.T) {
	t.Parallel()

	pool, err := fixtureRegistry(t).Pool(context.Background(), []string{"sample_module"})
	require.NoError(t, err)

	chain, ok := pool.SuperChain("ir.ui.menu", model.KindModel, "create")
	require.True(t, ok)
	require.True(t, len(chain) > 3)
	assert.Equal(t, "sample_module.library.Menu", chain[0].Class)
	assert.True(t, chain[0].Defines)
	assert.Equal(t, "ir.ui.Menu", chain[1].Class)
	assert.False(t, chain[1].Defines)

	var storage *model.SuperEntry
	for i := range chain {
		if chain[i].Class == "trytond.model.modelstorage.ModelStorage" {
			storage = &chain[i]
		}
	}
	require.NotNil(t, storage)
	assert.True(t, storage.Defines)

	chain, ok = pool.SuperChain("library.author", model.KindModel, "get_rec_name")
	require.True(t, ok)
	for _, e := range chain {
		if e.Class == "trytond.model.modelstorage.ModelStorage" {
			assert.True(t, e.IgnoreMissingSuper)
		}
	}
}

func TestPoolIncompleteAndMissing(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	mod := filepath.Join(root, "custom")
	require.NoError(t, os.MkdirAll(mod, 0o755))
	write := func(name, content string) {
		require.NoError(t, os.WriteFile(filepath.Join(mod, name), []byte(content), 0o644))
	}
	write("tryton.cfg", "[tryton]\ndepends:\n    company\n")
	write("__init__.py", "from trytond.pool import Pool\nfrom . import thing\n\n\ndef register():\n    Pool.register(thing.Thing, module='custom', type_='model')\n")
	write("mixin.py", "class NamedMixin:\n    label = fields.Char('Label')\n")
	write("thing.py", "from trytond.model import ModelSQL, fields\nfrom trytond.modules.company import CompanyMixin\nfrom .mixin import NamedMixin\n\n\nclass Thing(CompanyMixin, NamedMixin, ModelSQL):\n    __name__ = 'custom.thing'\n")

	reg := NewRegistry(manifest.NewLocator([]string{root}), nil, ctxlog.Discard())
	pool, err := reg.Pool(context.Background(), []string{"custom"})
	require.NoError(t, err)
	assert.Equal(t, []string{"company"}, pool.Missing)

	thing, ok := pool.Model("custom.thing", model.KindModel)
	require.True(t, ok)
	assert.True(t, thing.Incomplete, "CompanyMixin cannot be resolved")
	require.Contains(t, thing.Fields, "label")
	assert.True(t, thing.Fields["label"].Inherited, "declared by a mixin")
	assert.Equal(t, []string{"custom"}, thing.Fields["label"].Modules)
}

func TestRegistryReload(t *testing.T) {
	t.Parallel()

	reg := fixtureRegistry(t)
	first, err := reg.Pool(context.Background(), []string{"ir"})
	require.NoError(t, err)
	again, err := reg.Pool(context.Background(), []string{"ir", "ir"})
	require.NoError(t, err)
	assert.Same(t, first, again, "pools are cached per universe")

	reg.Reload()
	fresh, err := reg.Pool(context.Background(), []string{"ir"})
	require.NoError(t, err)
	assert.NotSame(t, first, fresh)
}
