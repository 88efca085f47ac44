package extquery

import (
	"errors"
	"testing"

	"github.com/zapdesk/zapdesk/internal/models"
)

func TestBindNamedMySQL(t *testing.T) {
	query, args, err := bindNamed(
		`SELECT nome FROM clientes WHERE cpf = :userInput AND cidade = :cidade`,
		"mysql", "12345678900", map[string]string{"cidade": "Recife"})
	if err != nil {
		t.Fatalf("bindNamed failed: %v", err)
	}
	want := `SELECT nome FROM clientes WHERE cpf = ? AND cidade = ?`
	if query != want {
		t.Errorf("query = %q, want %q", query, want)
	}
	if len(args) != 2 || args[0] != "12345678900" || args[1] != "Recife" {
		t.Errorf("args = %v", args)
	}
}

func TestBindNamedPostgres(t *testing.T) {
	query, args, err := bindNamed(
		`SELECT nome FROM clientes WHERE cpf = :userInput`,
		"postgres", "123", nil)
	if err != nil {
		t.Fatalf("bindNamed failed: %v", err)
	}
	want := `SELECT nome FROM clientes WHERE cpf = $1`
	if query != want {
		t.Errorf("query = %q, want %q", query, want)
	}
	if len(args) != 1 {
		t.Errorf("args = %v", args)
	}
}

func TestBindNamedUserInputAliases(t *testing.T) {
	aliases := []string{
		":userInput", ":userinput", ":user_input",
		":USERINPUT", ":UserInput", ":USER_INPUT", ":User_Input",
	}
	for _, alias := range aliases {
		_, args, err := bindNamed("SELECT 1 WHERE x = "+alias, "mysql", "valor", nil)
		if err != nil {
			t.Errorf("alias %s: %v", alias, err)
			continue
		}
		if len(args) != 1 || args[0] != "valor" {
			t.Errorf("alias %s bound %v", alias, args)
		}
	}
}

func TestBindNamedUnboundParam(t *testing.T) {
	_, _, err := bindNamed(`SELECT 1 WHERE x = :desconhecido`, "mysql", "", nil)
	if !errors.Is(err, ErrUnboundParam) {
		t.Errorf("expected ErrUnboundParam, got %v", err)
	}
}

func TestBindNamedIgnoresPostgresCasts(t *testing.T) {
	query, args, err := bindNamed(`SELECT nome::text FROM clientes WHERE cpf = :userInput`, "postgres", "1", nil)
	if err != nil {
		t.Fatalf("bindNamed failed: %v", err)
	}
	want := `SELECT nome::text FROM clientes WHERE cpf = $1`
	if query != want {
		t.Errorf("query = %q, want %q", query, want)
	}
	if len(args) != 1 {
		t.Errorf("args = %v", args)
	}
}

func TestMapColumns(t *testing.T) {
	row := map[string]string{"nome_completo": "maria silva", "saldo": "10"}

	// Explicit mapping projects and renames.
	out := mapColumns(row, map[string]string{"nome_completo": "nome"})
	if len(out) != 1 || out["nome"] != "maria silva" {
		t.Errorf("mapped = %v", out)
	}

	// Empty mapping passes the row through.
	out = mapColumns(row, nil)
	if len(out) != 2 {
		t.Errorf("passthrough = %v", out)
	}
}

func TestApplyTransformsChain(t *testing.T) {
	data := map[string]string{"nome": "maria silva santos"}
	transforms := map[string][]models.Transform{
		"nome": {models.TransformTruncateFirstSpace, models.TransformTitlecase},
	}
	if err := applyTransforms(data, transforms); err != nil {
		t.Fatalf("applyTransforms failed: %v", err)
	}
	if data["nome"] != "Maria" {
		t.Errorf("nome = %q, want %q", data["nome"], "Maria")
	}
}

func TestClassifyError(t *testing.T) {
	if !errors.Is(classifyError(errors.New(`Table 'loja.clientes' doesn't exist`)), ErrTableNotFound) {
		t.Error("mysql missing table not classified")
	}
	if !errors.Is(classifyError(errors.New(`pq: relation "clientes" does not exist`)), ErrTableNotFound) {
		t.Error("postgres missing table not classified")
	}
	if !errors.Is(classifyError(errors.New("syntax error")), ErrQueryFailed) {
		t.Error("generic error not classified as query failure")
	}
}
