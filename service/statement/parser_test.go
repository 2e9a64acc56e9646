package statement

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viant/regula/model"
)

func TestAnalyze(t *testing.T) {
	var testCases = []struct {
		description string
		input       string
		expectKind  Kind
		expectRefs  []model.TableRef
	}{
		{
			description: "simple select",
			input:       "SELECT count(*) FROM orders WHERE amount < 0",
			expectKind:  KindSelect,
			expectRefs:  []model.TableRef{{Name: "orders"}},
		},
		{
			description: "schema qualified with join",
			input:       "SELECT o.id FROM sales.orders o JOIN sales.customers c ON o.cust_id = c.id",
			expectKind:  KindSelect,
			expectRefs:  []model.TableRef{{Schema: "sales", Name: "orders"}, {Schema: "sales", Name: "customers"}},
		},
		{
			description: "from list",
			input:       "select 1 from a, b where a.id = b.id",
			expectKind:  KindSelect,
			expectRefs:  []model.TableRef{{Name: "a"}, {Name: "b"}},
		},
		{
			description: "insert",
			input:       "INSERT INTO audit_flags(rule, flag) SELECT id, 1 FROM violations",
			expectKind:  KindInsert,
			expectRefs:  []model.TableRef{{Name: "audit_flags"}, {Name: "violations"}},
		},
		{
			description: "update",
			input:       "UPDATE staging.accounts SET checked = 1 WHERE balance IS NULL",
			expectKind:  KindUpdate,
			expectRefs:  []model.TableRef{{Schema: "staging", Name: "accounts"}},
		},
		{
			description: "delete",
			input:       "DELETE FROM temp_rows WHERE expired = 1",
			expectKind:  KindDelete,
			expectRefs:  []model.TableRef{{Name: "temp_rows"}},
		},
		{
			description: "cte counts as select",
			input:       "WITH bad AS (SELECT id FROM trades WHERE qty = 0) SELECT count(*) FROM bad",
			expectKind:  KindSelect,
			expectRefs:  []model.TableRef{{Name: "trades"}, {Name: "bad"}},
		},
		{
			description: "subquery in from",
			input:       "SELECT * FROM (SELECT id FROM inner_t) x",
			expectKind:  KindSelect,
			expectRefs:  []model.TableRef{{Name: "inner_t"}},
		},
		{
			description: "table name inside string literal ignored",
			input:       "SELECT 1 FROM logs WHERE msg = 'FROM secrets'",
			expectKind:  KindSelect,
			expectRefs:  []model.TableRef{{Name: "logs"}},
		},
		{
			description: "line comment ignored",
			input:       "SELECT 1 -- FROM commented_out\nFROM real_table",
			expectKind:  KindSelect,
			expectRefs:  []model.TableRef{{Name: "real_table"}},
		},
		{
			description: "duplicate tables reported once",
			input:       "SELECT a.id FROM t a JOIN t b ON a.id = b.id",
			expectKind:  KindSelect,
			expectRefs:  []model.TableRef{{Name: "t"}},
		},
		{
			description: "other kind",
			input:       "VACUUM",
			expectKind:  KindOther,
		},
	}

	for _, testCase := range testCases {
		analysis, err := Analyze(testCase.input)
		require.NoError(t, err, testCase.description)
		assert.Equal(t, testCase.expectKind, analysis.Kind, testCase.description)
		assert.Equal(t, testCase.expectRefs, analysis.Tables, testCase.description)
	}
}

func TestAnalyze_Empty(t *testing.T) {
	_, err := Analyze("   ")
	require.Error(t, err)
}
