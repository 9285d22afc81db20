// Package prelude holds the JavaScript bootstrap evaluated in every realm
// before any user code. It captures the intrinsics it relies on, so later
// tampering with globals by sandboxed code does not affect the boundary.
package prelude

// Name is the script origin used when evaluating Source.
const Name = "ivm:prelude"

// Source evaluates to a factory function(host, realmId) returning the api
// object the host drives. host(op, payload) is the single Go entry point.
//
// Values cross the boundary as JSON node trees:
//
//	{t:"u"} undefined        {t:"n"} null           {t:"b",b} boolean
//	{t:"num",n|s} number     {t:"big",s} bigint     {t:"s",s} string
//	{t:"date",id,n|s}        {t:"re",id,s,name}     {t:"err",id,name,s,stack}
//	{t:"arr",id,len,items}   {t:"hole"}             {t:"obj",id,keys,items}
//	{t:"map",id,items}       {t:"set",id,items}     {t:"ab",id,s(hex)}
//	{t:"view",id,name,buf,off,len}                  {t:"alias",id}
//	{t:"ref",h,type,l}       {t:"lref",h,type}      {t:"ext",h}
//	{t:"extnew",v}           {t:"fn",h}             {t:"promise",h}
//
// Operations answer with envelopes {ok:true,v:node} or {ok:false,e:error}
// where error is {name,message,stack,value,code}. code is "nontransferable"
// when the failure came from the transfer mode rather than user code.
const Source = `(function (host, realmId) {
"use strict";

var uncurry = Function.prototype.bind.bind(Function.prototype.call);

var ObjectCtor = Object;
var ObjectKeys = Object.keys;
var ObjectCreate = Object.create;
var ObjectDefineProperty = Object.defineProperty;
var ObjectGetOwnPropertyDescriptor = Object.getOwnPropertyDescriptor;
var ObjectIs = Object.is;
var hasOwn = uncurry(Object.prototype.hasOwnProperty);
var objectToString = uncurry(Object.prototype.toString);
var ReflectApply = Reflect.apply;
var ReflectConstruct = Reflect.construct;
var ReflectOwnKeys = Reflect.ownKeys;
var ReflectDeleteProperty = Reflect.deleteProperty;
var ReflectGetOwnPropertyDescriptor = Reflect.getOwnPropertyDescriptor;
var SymbolToStringTag = Symbol.toStringTag;
var ArrayIsArray = Array.isArray;
var JSONStringify = JSON.stringify;
var JSONParse = JSON.parse;
var StringCtor = String;
var NumberIsNaN = Number.isNaN;
var ParseInt = parseInt;
var NativeProxy = Proxy;
var NativeMap = Map;
var NativeSet = Set;
var NativeWeakSet = WeakSet;
var NativeWeakMap = WeakMap;
var NativeDate = Date;
var NativeRegExp = RegExp;
var NativeError = Error;
var NativePromise = Promise;
var NativeArrayBuffer = ArrayBuffer;
var NativeSharedArrayBuffer = typeof SharedArrayBuffer === "function" ? SharedArrayBuffer : undefined;
var NativeDataView = DataView;
var NativeUint8Array = Uint8Array;
var NativeBigInt = typeof BigInt === "function" ? BigInt : undefined;
var ArrayBufferIsView = ArrayBuffer.isView;
var dateGetTime = uncurry(Date.prototype.getTime);
var mapGet = uncurry(Map.prototype.get);
var mapSet = uncurry(Map.prototype.set);
var mapHas = uncurry(Map.prototype.has);
var mapDelete = uncurry(Map.prototype.delete);
var mapForEach = uncurry(Map.prototype.forEach);
var setAdd = uncurry(Set.prototype.add);
var setForEach = uncurry(Set.prototype.forEach);
var weakSetHas = uncurry(WeakSet.prototype.has);
var weakSetAdd = uncurry(WeakSet.prototype.add);
var weakMapGet = uncurry(WeakMap.prototype.get);
var weakMapSet = uncurry(WeakMap.prototype.set);
var promiseThen = uncurry(Promise.prototype.then);
var regExpSource = uncurry(ObjectGetOwnPropertyDescriptor(RegExp.prototype, "source").get);
var regExpFlags = uncurry(ObjectGetOwnPropertyDescriptor(RegExp.prototype, "flags").get);
var arrayBufferByteLength = uncurry(ObjectGetOwnPropertyDescriptor(ArrayBuffer.prototype, "byteLength").get);

var errorCtors = {
	Error: Error, TypeError: TypeError, RangeError: RangeError, SyntaxError: SyntaxError,
	ReferenceError: ReferenceError, EvalError: EvalError, URIError: URIError
};

var viewCtors = {};
["Int8Array", "Uint8Array", "Uint8ClampedArray", "Int16Array", "Uint16Array", "Int32Array",
	"Uint32Array", "Float32Array", "Float64Array", "BigInt64Array", "BigUint64Array", "DataView"
].forEach(function (name) {
	if (typeof globalThis[name] === "function") {
		viewCtors[name] = globalThis[name];
	}
});

// Proxies are recorded at construction so that property access through a
// Reference can refuse to run their traps.
var proxies = new NativeWeakSet();
function isProxy(v) {
	return (typeof v === "object" || typeof v === "function") && v !== null && weakSetHas(proxies, v);
}
function revocable(target, handler) {
	var r = NativeProxy.revocable(target, handler);
	weakSetAdd(proxies, r.proxy);
	return r;
}
var WrappedProxy = new NativeProxy(NativeProxy, {
	construct: function (target, args, newTarget) {
		var p = ReflectConstruct(target, args, newTarget);
		weakSetAdd(proxies, p);
		return p;
	},
	get: function (target, key) {
		if (key === "revocable") {
			return revocable;
		}
		return target[key];
	}
});
ObjectDefineProperty(globalThis, "Proxy", { value: WrappedProxy, writable: true, configurable: true, enumerable: false });

function safeString(v) {
	try {
		return StringCtor(v);
	} catch (e) {
		return objectToString(v);
	}
}

function isThenable(v) {
	if (v instanceof NativePromise) {
		return true;
	}
	if ((typeof v === "object" || typeof v === "function") && v !== null && !isProxy(v)) {
		try {
			return typeof v.then === "function";
		} catch (e) {
			return false;
		}
	}
	return false;
}

// Handles: values of this realm held on behalf of the host.
var handles = new NativeMap();
var nextHandle = 1;
mapSet(handles, 0, globalThis);

function hold(v) {
	var h = nextHandle++;
	mapSet(handles, h, v);
	return h;
}

function lookup(h) {
	if (!mapHas(handles, h)) {
		throw new NativeError("Reference has been released");
	}
	return mapGet(handles, h);
}

// Errors.

// errorFields reads name, message and stack into d without serializing e.
function errorFields(e, d) {
	try {
		if (e instanceof NativeError) {
			var name = e.name;
			d.name = typeof name === "string" ? name : "Error";
			var message = e.message;
			d.message = typeof message === "string" ? message : safeString(message);
			var stack = e.stack;
			d.stack = typeof stack === "string" ? stack : "";
		} else {
			d.message = "non-error value thrown: " + safeString(e);
		}
	} catch (inner) {
		d.message = "error could not be described";
	}
	return d;
}

function describe(e) {
	var d = errorFields(e, { name: "Error", message: "", stack: "", value: null });
	try {
		d.value = serialize(e);
	} catch (inner) {
		d.value = null;
	}
	return d;
}

function localStack(err) {
	var s = typeof err.stack === "string" ? err.stack : "";
	var i = s.indexOf("\n");
	return i < 0 ? "" : s.slice(i);
}

function plainError(name, message, stack) {
	var Ctor = hasOwn(errorCtors, name) ? errorCtors[name] : NativeError;
	var err = new Ctor(message);
	if (Ctor === NativeError && name && name !== "Error") {
		ObjectDefineProperty(err, "name", { value: name, writable: true, configurable: true, enumerable: false });
	}
	if (typeof stack === "string" && stack !== "") {
		try {
			ObjectDefineProperty(err, "stack", { value: stack, writable: true, configurable: true, enumerable: false });
		} catch (e) {}
	}
	return err;
}

// makeError rebuilds an error received from another context, joining the
// remote stack with the local one.
function makeError(d) {
	var err = plainError(d.name, d.message);
	var remote = d.stack || (d.name + ": " + d.message);
	try {
		ObjectDefineProperty(err, "stack", {
			value: remote + "\n    at (<boundary>)" + localStack(err),
			writable: true, configurable: true, enumerable: false
		});
	} catch (e) {}
	return err;
}

// Serialization.
var hexDigits = "0123456789abcdef";

function toHex(buf, offset, length) {
	var u = new NativeUint8Array(buf, offset, length);
	var out = "";
	for (var i = 0; i < u.length; i++) {
		var b = u[i];
		out += hexDigits[b >> 4] + hexDigits[b & 15];
	}
	return out;
}

function fromHex(s) {
	var n = s.length >> 1;
	var u = new NativeUint8Array(n);
	for (var i = 0; i < n; i++) {
		u[i] = ParseInt(s.substr(i * 2, 2), 16);
	}
	return u.buffer;
}

function encodeNumber(v) {
	if (NumberIsNaN(v)) {
		return { t: "num", s: "NaN" };
	}
	if (v === Infinity) {
		return { t: "num", s: "Infinity" };
	}
	if (v === -Infinity) {
		return { t: "num", s: "-Infinity" };
	}
	if (ObjectIs(v, -0)) {
		return { t: "num", s: "-0" };
	}
	return { t: "num", n: v };
}

function decodeNumber(n) {
	switch (n.s) {
	case "NaN": return NaN;
	case "Infinity": return Infinity;
	case "-Infinity": return -Infinity;
	case "-0": return -0;
	}
	return n.n === undefined ? 0 : n.n;
}

function serialize(root) {
	var seen = new NativeMap();
	var nextId = 1;

	function enc(v) {
		switch (typeof v) {
		case "undefined": return { t: "u" };
		case "boolean": return { t: "b", b: v };
		case "number": return encodeNumber(v);
		case "bigint": return { t: "big", s: v.toString() };
		case "string": return { t: "s", s: v };
		case "symbol": throw new TypeError("Symbol value could not be cloned");
		}
		if (v === null) {
			return { t: "n" };
		}
		var ref = weakMapGet(referenceInfo, v);
		if (ref !== undefined) {
			return { t: "ref", h: ref.h };
		}
		var ext = weakMapGet(externalInfo, v);
		if (ext !== undefined) {
			return { t: "ext", h: ext.h };
		}
		var hostFn = weakMapGet(hostFunctions, v);
		if (hostFn !== undefined) {
			return { t: "fn", h: hostFn };
		}
		if (typeof v === "function") {
			throw new TypeError("function could not be cloned");
		}
		if (isProxy(v)) {
			throw new TypeError("Proxy object could not be cloned");
		}
		var prior = mapGet(seen, v);
		if (prior !== undefined) {
			return { t: "alias", id: prior };
		}
		var id = nextId++;
		mapSet(seen, v, id);

		if (v instanceof NativeDate) {
			var time = dateGetTime(v);
			return NumberIsNaN(time) ? { t: "date", id: id, s: "NaN" } : { t: "date", id: id, n: time };
		}
		if (v instanceof NativeRegExp) {
			return { t: "re", id: id, s: regExpSource(v), name: regExpFlags(v) };
		}
		if (v instanceof NativeError) {
			var d = errorFields(v, { name: "Error", message: "", stack: "" });
			return { t: "err", id: id, name: d.name, s: d.message, stack: d.stack };
		}
		if (v instanceof NativeArrayBuffer || (NativeSharedArrayBuffer && v instanceof NativeSharedArrayBuffer)) {
			return { t: "ab", id: id, s: toHex(v, 0, arrayBufferByteLength(v)) };
		}
		if (ArrayBufferIsView(v)) {
			var kind = objectToString(v).slice(8, -1);
			if (!hasOwn(viewCtors, kind)) {
				throw new TypeError(kind + " could not be cloned");
			}
			var length = kind === "DataView" ? v.byteLength : v.length;
			return { t: "view", id: id, name: kind, buf: enc(v.buffer), off: v.byteOffset, len: length };
		}
		if (ArrayIsArray(v)) {
			var items = [];
			for (var i = 0; i < v.length; i++) {
				items[i] = hasOwn(v, i) ? enc(v[i]) : { t: "hole" };
			}
			return { t: "arr", id: id, len: v.length, items: items };
		}
		if (v instanceof NativeMap) {
			var pairs = [];
			mapForEach(v, function (value, key) {
				pairs[pairs.length] = enc(key);
				pairs[pairs.length] = enc(value);
			});
			return { t: "map", id: id, items: pairs };
		}
		if (v instanceof NativeSet) {
			var members = [];
			setForEach(v, function (value) {
				members[members.length] = enc(value);
			});
			return { t: "set", id: id, items: members };
		}
		if (v instanceof NativePromise) {
			throw new TypeError("#<Promise> could not be cloned");
		}
		var keys = ObjectKeys(v);
		var values = [];
		for (var k = 0; k < keys.length; k++) {
			values[k] = enc(v[keys[k]]);
		}
		return { t: "obj", id: id, keys: keys, items: values };
	}

	return enc(root);
}

function deserialize(root) {
	var ids = new NativeMap();

	function remember(n, v) {
		if (n.id) {
			mapSet(ids, n.id, v);
		}
		return v;
	}

	function dec(n) {
		switch (n.t) {
		case "u":
		case "hole":
			return undefined;
		case "n": return null;
		case "b": return n.b === true;
		case "num": return decodeNumber(n);
		case "big":
			if (!NativeBigInt) {
				throw new TypeError("BigInt is not supported");
			}
			return NativeBigInt(n.s);
		case "s": return n.s === undefined ? "" : n.s;
		case "alias":
			if (!mapHas(ids, n.id)) {
				throw new TypeError("Dangling alias " + n.id);
			}
			return mapGet(ids, n.id);
		case "date": return remember(n, new NativeDate(n.s === "NaN" ? NaN : (n.n || 0)));
		case "re": return remember(n, new NativeRegExp(n.s || "", n.name || ""));
		case "err": return remember(n, plainError(n.name || "Error", n.s || "", n.stack));
		case "ab": return remember(n, fromHex(n.s || ""));
		case "view": {
			var buf = dec(n.buf);
			var Ctor = viewCtors[n.name];
			if (!Ctor) {
				throw new TypeError(n.name + " is not supported");
			}
			return remember(n, new Ctor(buf, n.off || 0, n.len || 0));
		}
		case "arr": {
			var a = [];
			remember(n, a);
			a.length = n.len || 0;
			var items = n.items || [];
			for (var i = 0; i < items.length; i++) {
				if (items[i].t !== "hole") {
					a[i] = dec(items[i]);
				}
			}
			return a;
		}
		case "obj": {
			var o = {};
			remember(n, o);
			var keys = n.keys || [];
			var values = n.items || [];
			for (var k = 0; k < keys.length; k++) {
				ObjectDefineProperty(o, keys[k], { value: dec(values[k]), writable: true, enumerable: true, configurable: true });
			}
			return o;
		}
		case "map": {
			var m = new NativeMap();
			remember(n, m);
			var pairs = n.items || [];
			for (var p = 0; p + 1 < pairs.length; p += 2) {
				mapSet(m, dec(pairs[p]), dec(pairs[p + 1]));
			}
			return m;
		}
		case "set": {
			var s = new NativeSet();
			remember(n, s);
			var members = n.items || [];
			for (var q = 0; q < members.length; q++) {
				setAdd(s, dec(members[q]));
			}
			return s;
		}
		case "ref": return referenceWrapper(n);
		case "ext": return externalWrapper(n);
		case "fn": return hostFunction(n.h);
		}
		throw new TypeError("Unknown value tag: " + n.t);
	}

	return dec(root);
}

// Transfer.
function modeOf(options) {
	if (!options) {
		return "default";
	}
	if (options.reference) {
		return "reference";
	}
	if (options.externalCopy) {
		return "external";
	}
	if (options.copy) {
		return "copy";
	}
	return "default";
}

// Errors raised because a value could not cross the boundary as-is.
var nonTransferable = new NativeWeakSet();

function failure(e) {
	var d = describe(e);
	if ((typeof e === "object" || typeof e === "function") && e !== null && weakSetHas(nonTransferable, e)) {
		d.code = "nontransferable";
	}
	return d;
}

function exportDefault(v) {
	var type = typeof v;
	if (v === null || type === "undefined" || type === "boolean" || type === "number" ||
		type === "string" || type === "bigint") {
		return serialize(v);
	}
	if (type === "object" || type === "function") {
		if (weakMapGet(referenceInfo, v) !== undefined || weakMapGet(externalInfo, v) !== undefined ||
			weakMapGet(hostFunctions, v) !== undefined) {
			return serialize(v);
		}
	}
	var err = new TypeError("A non-transferable value was passed");
	weakSetAdd(nonTransferable, err);
	throw err;
}

function exportReference(v) {
	var info = (typeof v === "object" || typeof v === "function") && v !== null ? weakMapGet(referenceInfo, v) : undefined;
	if (info !== undefined) {
		return { t: "ref", h: info.h };
	}
	return { t: "lref", h: hold(v), type: typeof v };
}

var nextPromise = 1;

function exportPromise(v, mode) {
	var pid = nextPromise++;
	function onFulfilled(result) {
		var env;
		try {
			env = { ok: true, v: exportValue(result, mode, false) };
		} catch (e) {
			env = { ok: false, e: failure(e) };
		}
		host("settle", JSONStringify({ pid: pid, env: env }));
	}
	function onRejected(e) {
		host("settle", JSONStringify({ pid: pid, env: { ok: false, e: describe(e) } }));
	}
	if (v instanceof NativePromise) {
		promiseThen(v, onFulfilled, onRejected);
	} else {
		NativePromise.resolve(v).then(onFulfilled, onRejected);
	}
	return { t: "promise", h: pid };
}

function exportValue(v, mode, promise) {
	if (promise && isThenable(v)) {
		return exportPromise(v, mode);
	}
	switch (mode) {
	case "copy": return serialize(v);
	case "external": return { t: "extnew", v: serialize(v) };
	case "reference": return exportReference(v);
	case "default": return exportDefault(v);
	}
	throw new TypeError("Unknown transfer mode: " + mode);
}

function ok(node) {
	return JSONStringify({ ok: true, v: node });
}

function fail(e) {
	return JSONStringify({ ok: false, e: failure(e) });
}

function unwrap(json) {
	var env = JSONParse(json);
	if (env.ok) {
		return deserialize(env.v);
	}
	throw makeError(env.e);
}

// Pending promises settled by the host (async operations started here).
var pending = new NativeMap();
var nextPending = 1;

function startPending(start) {
	var pid = nextPending++;
	var resolvers;
	var promise = new NativePromise(function (resolve, reject) {
		resolvers = { resolve: resolve, reject: reject };
	});
	mapSet(pending, pid, resolvers);
	try {
		start(pid);
	} catch (e) {
		mapDelete(pending, pid);
		resolvers.reject(e);
	}
	return promise;
}

// Reference wrappers: sandbox-side handles to values owned by any context.
var referenceInfo = new NativeWeakMap();
var referenceWrappers = new NativeMap();

function refInfo(self) {
	var info = weakMapGet(referenceInfo, self);
	if (info === undefined) {
		throw new TypeError("Illegal invocation");
	}
	if (info.released) {
		throw new NativeError("Reference has been released");
	}
	return info;
}

function transferOptions(options) {
	return { mode: modeOf(options), promise: !!(options && options.promise) };
}

function refop(self, op, flavor, payload) {
	var info = refInfo(self);
	payload.h = info.h;
	payload.op = op;
	payload.flavor = flavor;
	if (flavor === "async") {
		return startPending(function (pid) {
			payload.pid = pid;
			host("refop", JSONStringify(payload));
		});
	}
	var out = host("refop", JSONStringify(payload));
	if (flavor === "ignored") {
		return undefined;
	}
	return unwrap(out);
}

function getPayload(key, options) {
	return { key: exportDefault(key), result: transferOptions(options) };
}

function setPayload(key, value, options) {
	return { key: exportDefault(key), value: exportValue(value, modeOf(options), false) };
}

function applyPayload(recv, args, options) {
	var argMode = modeOf(options && options.arguments);
	var list = [];
	if (args !== undefined && args !== null) {
		for (var i = 0; i < args.length; i++) {
			list[i] = args[i];
		}
	}
	var items = [];
	for (var j = 0; j < list.length; j++) {
		items[j] = exportValue(list[j], argMode, false);
	}
	return {
		recv: exportValue(recv, argMode, false),
		args: items,
		result: transferOptions(options && options.result),
		timeout: options && typeof options.timeout === "number" ? options.timeout : 0
	};
}

var ReferencePrototype = {
	get typeof() {
		return refInfo(this).type;
	},
	deref: function () {
		var info = refInfo(this);
		if (info.l === undefined) {
			throw new TypeError("Cannot dereference this from current realm");
		}
		return lookup(info.l);
	},
	get: function (key, options) { return refop(this, "get", "async", getPayload(key, options)); },
	getSync: function (key, options) { return refop(this, "get", "sync", getPayload(key, options)); },
	set: function (key, value, options) { return refop(this, "set", "async", setPayload(key, value, options)); },
	setSync: function (key, value, options) { return refop(this, "set", "sync", setPayload(key, value, options)); },
	setIgnored: function (key, value, options) { return refop(this, "set", "ignored", setPayload(key, value, options)); },
	delete: function (key) { return refop(this, "delete", "async", { key: exportDefault(key) }); },
	deleteSync: function (key) { return refop(this, "delete", "sync", { key: exportDefault(key) }); },
	deleteIgnored: function (key) { return refop(this, "delete", "ignored", { key: exportDefault(key) }); },
	apply: function (recv, args, options) { return refop(this, "apply", "async", applyPayload(recv, args, options)); },
	applySync: function (recv, args, options) { return refop(this, "apply", "sync", applyPayload(recv, args, options)); },
	applyIgnored: function (recv, args, options) { return refop(this, "apply", "ignored", applyPayload(recv, args, options)); },
	applySyncPromise: function (recv, args, options) { return refop(this, "apply", "syncPromise", applyPayload(recv, args, options)); },
	copy: function () { return refop(this, "copy", "async", {}); },
	copySync: function () { return refop(this, "copy", "sync", {}); },
	release: function () {
		var info = weakMapGet(referenceInfo, this);
		if (info === undefined || info.released) {
			return;
		}
		info.released = true;
		mapDelete(referenceWrappers, info.h);
		host("refrelease", JSONStringify({ h: info.h }));
	}
};
ObjectDefineProperty(ReferencePrototype, SymbolToStringTag, { value: "Reference" });

function referenceWrapper(n) {
	var existing = mapGet(referenceWrappers, n.h);
	if (existing !== undefined) {
		return existing;
	}
	var w = ObjectCreate(ReferencePrototype);
	weakMapSet(referenceInfo, w, { h: n.h, type: n.type || "undefined", l: n.l, released: false });
	mapSet(referenceWrappers, n.h, w);
	return w;
}

// ExternalCopy wrappers.
var externalInfo = new NativeWeakMap();

var ExternalCopyPrototype = {
	copy: function () {
		var info = weakMapGet(externalInfo, this);
		if (info === undefined) {
			throw new TypeError("Illegal invocation");
		}
		return unwrap(host("extcopy", JSONStringify({ h: info.h })));
	},
	release: function () {
		var info = weakMapGet(externalInfo, this);
		if (info === undefined || info.released) {
			return;
		}
		info.released = true;
		host("extrelease", JSONStringify({ h: info.h }));
	}
};
ObjectDefineProperty(ExternalCopyPrototype, SymbolToStringTag, { value: "ExternalCopy" });

function externalWrapper(n) {
	var w = ObjectCreate(ExternalCopyPrototype);
	weakMapSet(externalInfo, w, { h: n.h, released: false });
	return w;
}

// Host functions: Go callbacks callable from this realm.
var hostFunctions = new NativeWeakMap();
var hostFunctionCache = new NativeMap();

function hostFunction(h) {
	var existing = mapGet(hostFunctionCache, h);
	if (existing !== undefined) {
		return existing;
	}
	var fn = function () {
		var items = [];
		for (var i = 0; i < arguments.length; i++) {
			items[i] = serialize(arguments[i]);
		}
		return unwrap(host("call", JSONStringify({ h: h, args: items })));
	};
	weakMapSet(hostFunctions, fn, h);
	mapSet(hostFunctionCache, h, fn);
	return fn;
}

// Property access refusing accessors and proxies unless unsafe is set.
function checkTarget(target) {
	if ((typeof target !== "object" && typeof target !== "function") || target === null) {
		throw new TypeError("Reference target is not an object");
	}
	if (isProxy(target)) {
		throw new TypeError("Property access through a Proxy is not allowed");
	}
}

function safeGet(target, key, unsafe) {
	if (unsafe) {
		return target[key];
	}
	checkTarget(target);
	var desc = ReflectGetOwnPropertyDescriptor(target, key);
	if (desc === undefined) {
		return undefined;
	}
	if (desc.get !== undefined || desc.set !== undefined) {
		throw new TypeError("Property '" + safeString(key) + "' is an accessor and cannot be read through a Reference");
	}
	return desc.value;
}

function safeSet(target, key, value, unsafe) {
	if (unsafe) {
		target[key] = value;
		return true;
	}
	checkTarget(target);
	var desc = ReflectGetOwnPropertyDescriptor(target, key);
	if (desc !== undefined) {
		if (desc.get !== undefined || desc.set !== undefined) {
			throw new TypeError("Property '" + safeString(key) + "' is an accessor and cannot be written through a Reference");
		}
		if (!desc.writable) {
			throw new TypeError("Cannot assign to read only property '" + safeString(key) + "'");
		}
		target[key] = value;
		return true;
	}
	ObjectDefineProperty(target, key, { value: value, writable: true, enumerable: true, configurable: true });
	return true;
}

function safeDelete(target, key, unsafe) {
	if (!unsafe) {
		checkTarget(target);
	}
	return ReflectDeleteProperty(target, key);
}

// Modules.
var modules = new NativeMap();

function namespaceOf(record) {
	return new NativeProxy(ObjectCreate(null), {
		get: function (target, key) {
			if (key === "__esModule") {
				return true;
			}
			if (key === SymbolToStringTag) {
				return "Module";
			}
			var exports = record.module.exports;
			return exports === null || exports === undefined ? undefined : exports[key];
		},
		has: function (target, key) {
			return key === "__esModule" || key in ObjectCtor(record.module.exports);
		},
		ownKeys: function () {
			return ReflectOwnKeys(ObjectCtor(record.module.exports));
		},
		getOwnPropertyDescriptor: function (target, key) {
			var exports = ObjectCtor(record.module.exports);
			if (!(key in exports)) {
				return undefined;
			}
			return { value: exports[key], writable: true, enumerable: true, configurable: true };
		},
		set: function () {
			return false;
		},
		defineProperty: function () {
			return false;
		},
		deleteProperty: function () {
			return false;
		}
	});
}

function newRecord(id, factory) {
	var record = {
		id: id,
		status: "unlinked",
		factory: factory,
		deps: new NativeMap(),
		order: [],
		module: { exports: {} },
		error: undefined
	};
	record.ns = namespaceOf(record);
	return record;
}

function evaluateRecord(record) {
	switch (record.status) {
	case "evaluated":
	case "evaluating":
		return;
	case "errored":
		throw record.error;
	case "unlinked":
		throw new NativeError("Module is not linked");
	}
	record.status = "evaluating";
	try {
		for (var i = 0; i < record.order.length; i++) {
			evaluateRecord(record.order[i]);
		}
		var require = function (specifier) {
			var dep = mapGet(record.deps, specifier);
			if (dep === undefined) {
				throw new NativeError("Cannot find module '" + specifier + "'");
			}
			return dep.ns;
		};
		ReflectApply(record.factory, undefined, [record.module.exports, require, record.module]);
		record.status = "evaluated";
	} catch (e) {
		record.status = "errored";
		record.error = e;
		throw e;
	}
}

function moduleRecord(id) {
	var record = mapGet(modules, id);
	if (record === undefined) {
		throw new NativeError("Module " + id + " is not instantiated in this realm");
	}
	return record;
}

var api = {
	exportValue: function (v, mode, promise) {
		try {
			return ok(exportValue(v, mode, promise));
		} catch (e) {
			return fail(e);
		}
	},
	importValue: function (json) {
		return deserialize(JSONParse(json));
	},
	describe: function (e) {
		return JSONStringify(describe(e));
	},
	get: function (h, key, unsafe, mode, promise) {
		try {
			var v = safeGet(lookup(h), deserialize(JSONParse(key)), unsafe);
			return ok(exportValue(v, mode, promise));
		} catch (e) {
			return fail(e);
		}
	},
	set: function (h, key, value, unsafe) {
		try {
			return ok(serialize(safeSet(lookup(h), deserialize(JSONParse(key)), deserialize(JSONParse(value)), unsafe)));
		} catch (e) {
			return fail(e);
		}
	},
	del: function (h, key, unsafe) {
		try {
			return ok(serialize(safeDelete(lookup(h), deserialize(JSONParse(key)), unsafe)));
		} catch (e) {
			return fail(e);
		}
	},
	apply: function (h, recv, args, mode, promise) {
		try {
			var fn = lookup(h);
			if (typeof fn !== "function") {
				throw new TypeError("Reference is not a function");
			}
			var result = ReflectApply(fn, deserialize(JSONParse(recv)), deserialize(JSONParse(args)));
			return ok(exportValue(result, mode, promise));
		} catch (e) {
			return fail(e);
		}
	},
	copy: function (h) {
		try {
			return ok(serialize(lookup(h)));
		} catch (e) {
			return fail(e);
		}
	},
	typeOf: function (h) {
		return typeof lookup(h);
	},
	release: function (h) {
		if (h !== 0) {
			mapDelete(handles, h);
		}
	},
	settle: function (pid, json) {
		var resolvers = mapGet(pending, pid);
		if (resolvers === undefined) {
			return;
		}
		mapDelete(pending, pid);
		var env = JSONParse(json);
		if (env.ok) {
			try {
				resolvers.resolve(deserialize(env.v));
			} catch (e) {
				resolvers.reject(e);
			}
		} else {
			resolvers.reject(makeError(env.e));
		}
	},
	moduleInstantiate: function (id, factory) {
		if (!mapHas(modules, id)) {
			mapSet(modules, id, newRecord(id, factory));
		}
	},
	moduleSynthetic: function (id, json) {
		if (mapHas(modules, id)) {
			return;
		}
		var record = newRecord(id, undefined);
		var exports = {};
		ObjectDefineProperty(exports, "__esModule", { value: true });
		exports.default = deserialize(JSONParse(json));
		record.module.exports = exports;
		record.status = "evaluated";
		mapSet(modules, id, record);
	},
	moduleLink: function (id, json) {
		var record = moduleRecord(id);
		if (record.status !== "unlinked") {
			return;
		}
		var deps = JSONParse(json);
		for (var i = 0; i < deps.length; i++) {
			var dep = moduleRecord(deps[i][1]);
			if (!mapHas(record.deps, deps[i][0])) {
				mapSet(record.deps, deps[i][0], dep);
				record.order[record.order.length] = dep;
			}
		}
		record.status = "linked";
	},
	moduleEvaluate: function (id) {
		try {
			evaluateRecord(moduleRecord(id));
			return ok({ t: "u" });
		} catch (e) {
			return fail(e);
		}
	},
	moduleNamespace: function (id) {
		try {
			return ok(exportReference(moduleRecord(id).ns));
		} catch (e) {
			return fail(e);
		}
	},
	moduleStatus: function (id) {
		var record = mapGet(modules, id);
		return record === undefined ? "absent" : record.status;
	}
};

return api;
})`
