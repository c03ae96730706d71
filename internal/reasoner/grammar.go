package reasoner

// InsightGrammar is the GBNF-style grammar attached to every chat request so
// the local model's decoder is constrained to emit a well-formed insight
// object token-by-token. Its class enumeration is narrower than (and spelled
// differently from) the authoritative class set ParseAndValidate checks
// against — the grammar only keeps the model from emitting garbage JSON; it
// is not the source of truth for which classes are acceptable.
const InsightGrammar = `root ::= "{" space "\"class\"" space ":" space class space "," space "\"confidence\"" space ":" space confidence space "," space "\"why\"" space ":" space string space "," space "\"actions\"" space ":" space actions space "}"
class ::= "\"fork_storm\"" | "\"cpu_spin\"" | "\"memory_leak\"" | "\"runaway_tree\"" | "\"short_lived_jobs\"" | "\"unknown\""
confidence ::= "0." [0-9] [0-9]? | "1.0"
string ::= "\"" [^"]* "\""
actions ::= "[" space (string (space "," space string)*)? space "]"
space ::= [ \t\n]*`
