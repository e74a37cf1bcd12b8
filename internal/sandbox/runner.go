package sandbox

// runnerPy is the in-container entrypoint. It exposes the `animus` SDK
// module (tool calls over the unix-socket RPC), executes /sandbox/code.py,
// and writes the code's `result` value to /sandbox/result.json. Stdout is
// deliberately not captured into the result.
const runnerPy = `import http.client
import json
import socket
import sys
import traceback

SOCKET_PATH = "/sandbox/rpc.sock"


class _UnixConnection(http.client.HTTPConnection):
    def __init__(self, path):
        super().__init__("localhost")
        self._path = path

    def connect(self):
        self.sock = socket.socket(socket.AF_UNIX, socket.SOCK_STREAM)
        self.sock.connect(self._path)


class ToolError(Exception):
    def __init__(self, message, error_type=""):
        super().__init__(message)
        self.error_type = error_type


def call(tool, **input):
    """Invoke an engine tool. Raises ToolError on an error result."""
    conn = _UnixConnection(SOCKET_PATH)
    try:
        body = json.dumps({"tool": tool, "input": input})
        conn.request("POST", "/v1/tools/execute", body,
                     {"Content-Type": "application/json"})
        resp = conn.getresponse()
        data = json.loads(resp.read())
    finally:
        conn.close()
    if data.get("is_error"):
        raise ToolError(data.get("content", ""), data.get("error_type", ""))
    return data.get("content", "")


class _SDK:
    call = staticmethod(call)
    ToolError = ToolError


sys.modules["animus"] = _SDK()
sys.path.insert(0, "/sandbox/skills")


def main():
    with open("/sandbox/code.py") as f:
        source = f.read()
    namespace = {"animus": sys.modules["animus"]}
    out = {"result": "", "is_error": False}
    try:
        exec(compile(source, "code.py", "exec"), namespace)
        value = namespace.get("result")
        if value is None:
            out["result"] = ""
        elif isinstance(value, str):
            out["result"] = value
        else:
            out["result"] = json.dumps(value, default=str)
    except BaseException:
        out["is_error"] = True
        out["error"] = traceback.format_exc(limit=8)
    with open("/sandbox/result.json", "w") as f:
        json.dump(out, f)


if __name__ == "__main__":
    main()
`
