package schema

// Pokemon is the fixed, versionless schema for the pokemon_data tables.
// Name is the natural key. Aliases accept the spaced headers used by the
// source spreadsheets.
var Pokemon = MustNew(
	Column{Name: "Number", Type: TypeInteger},
	Column{Name: "Name", Type: TypeString, Key: true},
	Column{Name: "Type1", Type: TypeString, Aliases: []string{"Type 1"}},
	Column{Name: "Type2", Type: TypeString, Nullable: true, Aliases: []string{"Type 2"}},
	Column{Name: "HP", Type: TypeInteger},
	Column{Name: "Attack", Type: TypeInteger},
	Column{Name: "Defence", Type: TypeInteger, Aliases: []string{"Defense"}},
	Column{Name: "SpAttack", Type: TypeInteger, Aliases: []string{"Sp Attack", "Sp. Atk"}},
	Column{Name: "SpDefence", Type: TypeInteger, Aliases: []string{"Sp Defence", "Sp Defense", "Sp. Def"}},
	Column{Name: "Speed", Type: TypeInteger},
)
