package domain

// Kind discriminates the contents of a register or spilled stack slot.
type Kind uint8

const (
	KindUninit Kind = iota
	KindScalar
	KindPointer
)

// Value is the abstract content of a register.
type Value struct {
	Kind   Kind
	Scalar Scalar
	Ptr    Pointer
}

// Uninit returns the never-written value.
func Uninit() Value { return Value{} }

// ScalarValue wraps s.
func ScalarValue(s Scalar) Value { return Value{Kind: KindScalar, Scalar: s} }

// PointerValue wraps p.
func PointerValue(p Pointer) Value { return Value{Kind: KindPointer, Ptr: p} }

// IsScalar reports whether the value is an initialized scalar.
func (v Value) IsScalar() bool { return v.Kind == KindScalar }

// IsPointer reports whether the value is a pointer.
func (v Value) IsPointer() bool { return v.Kind == KindPointer }

// IsInit reports whether the value has been written.
func (v Value) IsInit() bool { return v.Kind != KindUninit }

// IsNull reports whether the value is the scalar constant 0.
func (v Value) IsNull() bool {
	return v.Kind == KindScalar && v.Scalar.IsConst() && v.Scalar.Value() == 0
}

// Equal reports whether both values describe the same set.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindScalar:
		return v.Scalar.Equal(o.Scalar)
	case KindPointer:
		return v.Ptr == o.Ptr
	}
	return true
}

// Join returns the least upper bound of two values. Uninitialized absorbs
// everything; a pointer joined with null becomes nullable; incompatible
// kinds fall back to the unknown scalar.
func (v Value) Join(o Value) Value {
	if v.Kind == KindUninit || o.Kind == KindUninit {
		return Uninit()
	}
	switch {
	case v.Kind == KindScalar && o.Kind == KindScalar:
		return ScalarValue(v.Scalar.Join(o.Scalar))
	case v.Kind == KindPointer && o.Kind == KindPointer:
		if p, ok := v.Ptr.Join(o.Ptr); ok {
			return PointerValue(p)
		}
	case v.Kind == KindPointer && o.IsNull():
		p := v.Ptr
		p.Nullable = true
		return PointerValue(p)
	case o.Kind == KindPointer && v.IsNull():
		p := o.Ptr
		p.Nullable = true
		return PointerValue(p)
	}
	return ScalarValue(Top())
}

// Widen returns cur with every bound that moved since v pushed to its extreme.
func (v Value) Widen(cur Value) Value {
	switch {
	case v.Kind == KindScalar && cur.Kind == KindScalar:
		return ScalarValue(v.Scalar.Widen(cur.Scalar))
	case v.Kind == KindPointer && cur.Kind == KindPointer:
		return PointerValue(v.Ptr.Widen(cur.Ptr))
	}
	return cur
}

func (v Value) String() string {
	switch v.Kind {
	case KindScalar:
		return v.Scalar.String()
	case KindPointer:
		return v.Ptr.String()
	}
	return "uninit"
}
