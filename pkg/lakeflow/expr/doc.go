/*
Package expr evaluates small string expressions against event attributes.

# Overview

expr is the lightweight predicate form accepted by the conditional reducer
and by transform specs in "expr" mode. An expression is evaluated against
a variable map; identifiers may be dotted paths into nested objects, so an
event's Attributes() map can be passed directly:

	ok, err := expr.Eval("data.document.type == 'application/json'", evt.Attributes())

# Expression Syntax

	<expr>       := <and> { 'or' <and> }
	<and>        := <unary> { 'and' <unary> }
	<unary>      := ('not' | '!') <unary> | <primary>
	<primary>    := '(' <expr> ')' | <operand> [ <op> <operand> ]
	<op>         := '==' | '!=' | '<' | '>' | '<=' | '>=' | 'contains' | 'startsWith'
	<operand>    := 'string' | "string" | number | true | false | null | identifier

not binds tighter than and, which binds tighter than or, so
"not a and b or c" reads as "((not a) and b) or c". Quoted strings may hold
any of the keywords; a backslash escapes the next character.

Expressions are compiled once and evaluated many times:

	prog, err := expr.Compile("latest.data.metadata.role == 'manifest' and count >= 3")
	...
	done := prog.Eval(vars)

Compile rejects an operator without an operand, a dangling and, or and
not, and unbalanced parentheses with ErrSyntax.

# Truthiness

Single values are evaluated for truthiness:

  - nil/null: false
  - bool: the boolean value
  - string: false if empty, true otherwise
  - numbers: false if zero, true otherwise
  - other types: true

The value helpers ToFloat64 and IsTruthy are shared with the condition
package so both predicate forms coerce operands the same way.
*/
package expr
