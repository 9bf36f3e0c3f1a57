package sandbox

import (
	"fmt"
	"math"
	"strings"
)

// nativeClass is an allow-listed runtime class delegated to the
// ambient Go runtime, per §4.2 loader policy step 3. Each method is a
// small Go closure operating on sandbox-native values.
type nativeClass struct {
	name    string
	methods map[string]func(recv interface{}, args []interface{}) (interface{}, error)
}

func (nc *nativeClass) invoke(name, desc string, args []interface{}) (interface{}, error) {
	return nc.invokeOn(nil, name, desc, args)
}

func (nc *nativeClass) invokeOn(recv interface{}, name, desc string, args []interface{}) (interface{}, error) {
	fn, ok := nc.methods[name+desc]
	if !ok {
		// Unknown selector on an allow-listed class: stub rather than
		// fail, per the Loader policy's "everything else... methods
		// return default values" rule applied at method granularity.
		return zeroValueFor(retType(desc)), nil
	}
	return fn(recv, args)
}

// invokeNative dispatches a resolved receiver through nc, used by the
// interpreter for instance methods on allow-listed classes (e.g.
// StringBuilder.append/toString) where the receiver carries state.
func invokeNative(nc *nativeClass, recv interface{}, name, desc string, args []interface{}) (interface{}, error) {
	return nc.invokeOn(recv, name, desc, args)
}

// allowList is the process-wide, immutable table of runtime classes
// the sandbox may delegate to, per §5's "no cross-VM state is shared
// except the immutable allow-list table."
var allowList = map[string]*nativeClass{}

func register(name string, methods map[string]func(recv interface{}, args []interface{}) (interface{}, error)) {
	allowList[name] = &nativeClass{name: name, methods: methods}
}

func init() {
	register("java/lang/String", map[string]func(interface{}, []interface{}) (interface{}, error){
		"valueOf(I)Ljava/lang/String;": func(_ interface{}, a []interface{}) (interface{}, error) {
			v, _ := toInt64(a[0])
			return fmt.Sprintf("%d", v), nil
		},
		"valueOf(J)Ljava/lang/String;": func(_ interface{}, a []interface{}) (interface{}, error) {
			v, _ := toInt64(a[0])
			return fmt.Sprintf("%d", v), nil
		},
		"toCharArray()[C": func(recv interface{}, _ []interface{}) (interface{}, error) {
			s, _ := recv.(string)
			out := make([]int32, 0, len(s))
			for _, r := range s {
				out = append(out, r)
			}
			return out, nil
		},
	})

	register("java/lang/StringBuilder", map[string]func(interface{}, []interface{}) (interface{}, error){
		"<init>()V": func(_ interface{}, _ []interface{}) (interface{}, error) { return &strings.Builder{}, nil },
		"append(Ljava/lang/String;)Ljava/lang/StringBuilder;": func(recv interface{}, a []interface{}) (interface{}, error) {
			sb, _ := recv.(*strings.Builder)
			if sb != nil {
				if s, ok := a[0].(string); ok {
					sb.WriteString(s)
				}
			}
			return sb, nil
		},
		"append(C)Ljava/lang/StringBuilder;": func(recv interface{}, a []interface{}) (interface{}, error) {
			sb, _ := recv.(*strings.Builder)
			if sb != nil {
				if c, ok := toInt64(a[0]); ok {
					sb.WriteRune(rune(c))
				}
			}
			return sb, nil
		},
		"toString()Ljava/lang/String;": func(recv interface{}, _ []interface{}) (interface{}, error) {
			sb, _ := recv.(*strings.Builder)
			if sb == nil {
				return "", nil
			}
			return sb.String(), nil
		},
	})

	register("java/lang/Math", map[string]func(interface{}, []interface{}) (interface{}, error){
		"abs(I)I": func(_ interface{}, a []interface{}) (interface{}, error) {
			v, _ := toInt64(a[0])
			if v < 0 {
				v = -v
			}
			return int32(v), nil
		},
		"abs(J)J": func(_ interface{}, a []interface{}) (interface{}, error) {
			v, _ := toInt64(a[0])
			if v < 0 {
				v = -v
			}
			return v, nil
		},
		"max(II)I": func(_ interface{}, a []interface{}) (interface{}, error) {
			x, _ := toInt64(a[0])
			y, _ := toInt64(a[1])
			return int32(int64(math.Max(float64(x), float64(y)))), nil
		},
	})

	register("java/lang/Long", map[string]func(interface{}, []interface{}) (interface{}, error){
		"valueOf(J)Ljava/lang/Long;": func(_ interface{}, a []interface{}) (interface{}, error) { return a[0], nil },
		"parseLong(Ljava/lang/String;)J": func(_ interface{}, a []interface{}) (interface{}, error) {
			var v int64
			fmt.Sscanf(a[0].(string), "%d", &v)
			return v, nil
		},
	})

	register("java/lang/Integer", map[string]func(interface{}, []interface{}) (interface{}, error){
		"valueOf(I)Ljava/lang/Integer;": func(_ interface{}, a []interface{}) (interface{}, error) { return a[0], nil },
		"parseInt(Ljava/lang/String;)I": func(_ interface{}, a []interface{}) (interface{}, error) {
			var v int32
			fmt.Sscanf(a[0].(string), "%d", &v)
			return v, nil
		},
	})

	register("java/util/Arrays", map[string]func(interface{}, []interface{}) (interface{}, error){
		"copyOf([CI)[C": func(_ interface{}, a []interface{}) (interface{}, error) {
			arr, _ := a[0].([]int32)
			n, _ := toInt64(a[1])
			out := make([]int32, n)
			copy(out, arr)
			return out, nil
		},
	})

	register("java/lang/System", map[string]func(interface{}, []interface{}) (interface{}, error){
		// Dangerous-API stubbing, per §4.2: process-wide side effects
		// are disabled (typed default) or rerouted to an inert impl.
		"currentTimeMillis()J": func(_ interface{}, _ []interface{}) (interface{}, error) { return int64(0), nil },
		"nanoTime()J":          func(_ interface{}, _ []interface{}) (interface{}, error) { return int64(0), nil },
		"exit(I)V":             func(_ interface{}, _ []interface{}) (interface{}, error) { return nil, nil },
		"arraycopy(Ljava/lang/Object;ILjava/lang/Object;II)V": func(_ interface{}, a []interface{}) (interface{}, error) {
			src, ok1 := a[0].([]int32)
			dst, ok2 := a[2].([]int32)
			if !ok1 || !ok2 {
				return nil, nil
			}
			srcPos, _ := toInt64(a[1])
			dstPos, _ := toInt64(a[3])
			length, _ := toInt64(a[4])
			copy(dst[dstPos:dstPos+length], src[srcPos:srcPos+length])
			return nil, nil
		},
	})

	register("java/lang/Runtime", map[string]func(interface{}, []interface{}) (interface{}, error){
		// Explicitly stubbed to inert no-ops: §4.2 forbids filesystem,
		// network, process-exit, or thread-creation side effects from
		// leaking out of the sandbox.
		"exit(I)V": func(_ interface{}, _ []interface{}) (interface{}, error) { return nil, nil },
	})

	register("java/lang/invoke/MethodType", map[string]func(interface{}, []interface{}) (interface{}, error){
		"methodType(Ljava/lang/Class;)Ljava/lang/invoke/MethodType;": func(_ interface{}, a []interface{}) (interface{}, error) {
			return a[0], nil
		},
	})
}

// trustedBootstrapArgs builds the argument vector §4.5 step 5c
// describes: [trustedLookup, null, name, MethodType, ...harvested, key].
func trustedBootstrapArgs(lookup interface{}, name string, mtype interface{}, harvested []interface{}, key interface{}) []interface{} {
	args := []interface{}{lookup, nil, name, mtype}
	args = append(args, harvested...)
	if key != nil {
		args = append(args, key)
	}
	return args
}

// TrustedBootstrapArgs exports trustedBootstrapArgs for passes outside
// this package (zkm.des-decryptor) that need to build a bootstrap's
// call-site argument vector without duplicating step 5c's ordering.
func TrustedBootstrapArgs(lookup interface{}, name string, mtype interface{}, harvested []interface{}, key interface{}) []interface{} {
	return trustedBootstrapArgs(lookup, name, mtype, harvested, key)
}
